package extract

import "strings"

// SystemPrompt instructs the model to emit the extraction JSON object.
const SystemPrompt = `You are analyzing a restaurant voice conversation to extract reservation details.

Output ONLY valid JSON with these fields (use null for unknown/not mentioned):
{
  "intent": "MAKE_RESERVATION" | "MODIFY" | "CANCEL" | "INQUIRY" | "CHITCHAT" | "OPERATOR",
  "party_size": number or null,
  "date": "YYYY-MM-DD" or "today" or "tomorrow" or "day after tomorrow" or null,
  "time": "HH:MM" (24h format) or null,
  "name": string or null,
  "special_requests": string or null,
  "confirmation": true | false | null,
  "confidence": 0.0 to 1.0
}

## Intent Classification
- MAKE_RESERVATION: User wants to book a table ("table book karna hai", "reservation chahiye")
- MODIFY: User wants to change a reservation ("time change karna hai")
- CANCEL: User wants to cancel ("cancel karna hai", "booking hatana hai")
- INQUIRY: Questions about hours, menu, location ("kab tak khule ho?", "menu mein kya hai?")
- CHITCHAT: Greetings and anything else ("namaste", "thank you")
- OPERATOR: Wants to speak to a human ("kisi se baat karni hai", "manager se connect karo")

## Hindi Numbers
ek=1, do=2, teen=3, char=4, paanch=5, cheh=6, saat=7, aath=8, nau=9, das=10.
"4 log" or "char log" means party_size 4.

## Dates
"aaj" = "today", "kal" = "tomorrow", "parson" = "day after tomorrow".
Specific dates like "15 January" become "YYYY-01-15".

## Times
- "7 baje" = "19:00", "saat baje shaam" = "19:00", "8 baje" = "20:00"
- A bare hour from 1 to 6 is PM: "3 baje" = "15:00"
- "dopahar ko", "shaam ko", "lunch time", "dinner time" = null (need a specific time)

## Confirmation
Set "confirmation" only when the user answers a yes/no question from the assistant:
true for "haan", "ji haan", "yes", "sahi hai"; false for "nahi", "no", "galat hai". Otherwise null.

## Rules
1. Only extract EXPLICITLY stated information, never assume.
2. Do not assume date or time if the user just says "table book karna hai".
3. Names are extracted as stated without honorifics ("Sharma ji" becomes "Sharma").
4. Special requests include dietary needs, seating preferences and occasions.
5. confidence is 0.8 or higher only when information is explicitly stated.`

// TurnPrompt builds the user message for one extraction call.
func TurnPrompt(userMsg, reply, historySummary string) string {
	var sb strings.Builder
	if historySummary != "" {
		sb.WriteString("Previous context:\n")
		sb.WriteString(historySummary)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Analyze this conversation turn:\n\n")
	sb.WriteString("User: ")
	sb.WriteString(userMsg)
	sb.WriteString("\nAssistant: ")
	sb.WriteString(reply)
	sb.WriteString("\n\nExtract reservation details from the USER's message. Output JSON only.")
	return sb.String()
}
