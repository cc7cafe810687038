package knowledge

import (
	"context"
	"errors"
	"strings"
	"testing"

	embmock "github.com/MrWong99/tablecall/pkg/provider/embeddings/mock"
)

func TestNormalizeQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"  Veg   OPTIONS\thain? ", "veg options hain?"},
		{"Cafe\u0301 Timings", "caf\u00e9 timings"},
		// NA + NUKTA composes to NNNA.
		{"\u0928\u093c", "\u0929"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := NormalizeQuery(tc.in); got != tc.want {
			t.Errorf("NormalizeQuery(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSnippet_PromptText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    Snippet
		want string
	}{
		{Snippet{Item: Item{Category: CategoryMenuItem, Title: "Dal Makhani", Content: "slow cooked", Price: 320, Vegetarian: true}}, "- Dal Makhani (Veg): slow cooked - Rs.320"},
		{Snippet{Item: Item{Category: CategoryMenuItem, Title: "Special", Content: "ask"}}, "- Special: ask - Rs.N/A"},
		{Snippet{Item: Item{Category: CategoryFAQ, Title: "Parking?", Content: "Yes, free."}}, "Q: Parking?\nA: Yes, free."},
		{Snippet{Item: Item{Category: CategoryPolicy, Title: "Corkage", Content: "Rs.500"}}, "Policy - Corkage: Rs.500"},
		{Snippet{Item: Item{Category: CategoryAnnouncement, Content: "Live music Friday"}}, "Note: Live music Friday"},
	}
	for _, tc := range tests {
		if got := tc.s.PromptText(); got != tc.want {
			t.Errorf("PromptText = %q, want %q", got, tc.want)
		}
	}
}

func TestResult_PromptSection(t *testing.T) {
	t.Parallel()

	if got := (Result{}).PromptSection(); got != "" {
		t.Errorf("empty section = %q", got)
	}

	r := Result{Snippets: []Snippet{
		{Item: Item{Category: CategoryFAQ, Title: "Parking?", Content: "Yes."}},
		{Item: Item{Category: CategoryMenuItem, Title: "Momos", Content: "steamed", Price: 180}},
	}}
	want := "## Relevant Information\n\n### Menu Items\n- Momos: steamed - Rs.180\n\n### Frequently Asked Questions\nQ: Parking?\nA: Yes."
	if got := r.PromptSection(); got != want {
		t.Errorf("PromptSection =\n%s\nwant\n%s", got, want)
	}
}

func seededService(t *testing.T) (*Service, *embmock.Provider) {
	t.Helper()
	emb := &embmock.Provider{Vectors: map[string][]float32{
		"veg options?": {1, 0},
	}}
	idx := NewMemoryIndex()
	ctx := context.Background()
	seed := []struct {
		item Item
		vec  []float32
	}{
		{Item{ID: "paneer", BusinessID: "biz", Category: CategoryMenuItem, Title: "Paneer"}, []float32{0.9, 0.43589}},
		{Item{ID: "veg-policy", BusinessID: "biz", Category: CategoryPolicy, Title: "Pure veg kitchen", Priority: 100}, []float32{0.8, 0.6}},
		{Item{ID: "parking", BusinessID: "biz", Category: CategoryFAQ, Title: "Parking"}, []float32{0, 1}},
		{Item{ID: "other", BusinessID: "other-biz", Category: CategoryMenuItem, Title: "Paneer"}, []float32{1, 0}},
	}
	for _, s := range seed {
		if err := idx.Upsert(ctx, s.item, s.vec); err != nil {
			t.Fatal(err)
		}
	}
	return NewService(emb, idx), emb
}

func TestService_Retrieve(t *testing.T) {
	t.Parallel()

	svc, emb := seededService(t)
	res, err := svc.Retrieve(context.Background(), Query{BusinessID: "biz", Text: "  Veg  Options? "})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	var ids []string
	for _, s := range res.Snippets {
		ids = append(ids, s.ID)
	}
	// The policy scores lower than the menu item but its priority lifts it
	// first; parking falls under the minimum score.
	if got := strings.Join(ids, ","); got != "veg-policy,paneer" {
		t.Errorf("snippets = %s, want veg-policy,paneer", got)
	}
	if texts := emb.EmbeddedTexts(); len(texts) != 1 || texts[0] != "veg options?" {
		t.Errorf("embedded texts = %q, want normalised query", texts)
	}
}

func TestService_RetrieveCategoriesAndLimit(t *testing.T) {
	t.Parallel()

	svc, _ := seededService(t)
	res, err := svc.Retrieve(context.Background(), Query{
		BusinessID: "biz",
		Text:       "veg options?",
		Categories: []Category{CategoryMenuItem},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Snippets) != 1 || res.Snippets[0].ID != "paneer" {
		t.Errorf("snippets = %+v", res.Snippets)
	}

	res, err = svc.Retrieve(context.Background(), Query{BusinessID: "biz", Text: "veg options?", MaxResults: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Snippets) != 1 || res.Snippets[0].ID != "paneer" {
		t.Errorf("limited snippets = %+v, want the nearest item only", res.Snippets)
	}
}

func TestService_RetrieveEmptyQuery(t *testing.T) {
	t.Parallel()

	svc, emb := seededService(t)
	res, err := svc.Retrieve(context.Background(), Query{BusinessID: "biz", Text: "   "})
	if err != nil || len(res.Snippets) != 0 {
		t.Errorf("Retrieve = %+v, %v", res, err)
	}
	if len(emb.EmbeddedTexts()) != 0 {
		t.Error("empty query was embedded")
	}
}

func TestService_RetrieveEmbedError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	svc := NewService(&embmock.Provider{Err: boom}, NewMemoryIndex())
	_, err := svc.Retrieve(context.Background(), Query{BusinessID: "biz", Text: "menu"})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestService_IndexAndReindex(t *testing.T) {
	t.Parallel()

	emb := &embmock.Provider{}
	idx := NewMemoryIndex()
	svc := NewService(emb, idx)
	ctx := context.Background()

	items := []Item{
		{ID: "a", BusinessID: "biz", Category: CategoryFAQ, Title: "Parking", Content: "Free valet parking"},
		{ID: "b", BusinessID: "biz", Category: CategoryFAQ, Title: "Wifi", Content: "Free wifi for guests"},
	}
	n, err := svc.Reindex(ctx, items)
	if err != nil || n != 2 {
		t.Fatalf("Reindex = %d, %v", n, err)
	}
	if err := svc.Index(ctx, Item{ID: "a", BusinessID: "biz", Category: CategoryFAQ, Title: "Parking", Content: "Paid parking"}); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Retrieve(ctx, Query{BusinessID: "biz", Text: "Parking", MinScore: 0.01})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Snippets) == 0 || res.Snippets[0].ID != "a" || res.Snippets[0].Content != "Paid parking" {
		t.Errorf("snippets = %+v, want replaced item a first", res.Snippets)
	}

	if err := idx.Remove(ctx, "biz", "a"); err != nil {
		t.Fatal(err)
	}
	hits, _ := idx.Search(ctx, "biz", []float32{1}, 10, nil)
	for _, h := range hits {
		if h.ID == "a" {
			t.Error("removed item still indexed")
		}
	}
}
