package llm

// EstimateTokens approximates the Llama-family token count of text. Latin
// script averages about four characters per token and Devanagari about two;
// the sum is padded by 10% plus one so the estimate errs high. Used for rate
// limiting only; actual usage comes from the provider response.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	var devanagari, other int
	for _, r := range text {
		if r >= '\u0900' && r <= '\u097F' {
			devanagari++
		} else {
			other++
		}
	}
	est := float64(devanagari)/2 + float64(other)/4
	return int(est*1.1) + 1
}
