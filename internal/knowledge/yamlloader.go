package knowledge

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the top-level structure of a knowledge YAML file.
//
// Example:
//
//	items:
//	  - id: paneer-tikka
//	    business_id: spice-garden
//	    category: menu_item
//	    title: Paneer Tikka
//	    content: Cottage cheese marinated in yoghurt and grilled in the tandoor.
//	    price: 320
//	    vegetarian: true
//	  - id: parking
//	    business_id: spice-garden
//	    category: faq
//	    title: Is there parking?
//	    content: Free valet parking is available after 7 pm.
type File struct {
	Items []ItemDefinition `yaml:"items"`
}

// ItemDefinition is the YAML form of an [Item].
type ItemDefinition struct {
	ID         string   `yaml:"id"`
	BusinessID string   `yaml:"business_id"`
	Category   Category `yaml:"category"`
	Title      string   `yaml:"title"`
	Content    string   `yaml:"content"`
	Price      int      `yaml:"price"`
	Vegetarian bool     `yaml:"vegetarian"`
	Priority   int      `yaml:"priority"`
}

// LoadFile reads and validates the knowledge file at path.
func LoadFile(path string) ([]Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open %q: %w", path, err)
	}
	defer f.Close()

	items, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("knowledge: parse %q: %w", path, err)
	}
	return items, nil
}

// LoadFromReader parses knowledge YAML from r. Every invalid item is
// reported; nothing is returned unless all items are valid.
func LoadFromReader(r io.Reader) ([]Item, error) {
	var kf File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&kf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	var errs []error
	seen := make(map[string]int, len(kf.Items))
	items := make([]Item, 0, len(kf.Items))
	for i, d := range kf.Items {
		it := d.toItem()
		if err := it.validate(); err != nil {
			errs = append(errs, fmt.Errorf("items[%d]: %w", i, err))
			continue
		}
		key := it.BusinessID + "/" + it.ID
		if prev, ok := seen[key]; ok {
			errs = append(errs, fmt.Errorf("items[%d]: id %q duplicates items[%d]", i, it.ID, prev))
			continue
		}
		seen[key] = i
		items = append(items, it)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return items, nil
}

func (d ItemDefinition) toItem() Item {
	return Item{
		ID:         strings.TrimSpace(d.ID),
		BusinessID: strings.TrimSpace(d.BusinessID),
		Category:   d.Category,
		Title:      strings.TrimSpace(d.Title),
		Content:    strings.TrimSpace(d.Content),
		Price:      d.Price,
		Vegetarian: d.Vegetarian,
		Priority:   d.Priority,
	}
}

func (it Item) validate() error {
	var errs []error
	if it.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if it.BusinessID == "" {
		errs = append(errs, errors.New("business_id is required"))
	}
	switch it.Category {
	case CategoryMenuItem, CategoryFAQ, CategoryPolicy, CategoryAnnouncement:
	default:
		errs = append(errs, fmt.Errorf("category %q is invalid", it.Category))
	}
	if it.Title == "" && it.Content == "" {
		errs = append(errs, errors.New("title or content is required"))
	}
	if it.Price < 0 {
		errs = append(errs, errors.New("price must not be negative"))
	}
	if it.Priority < 0 || it.Priority > 100 {
		errs = append(errs, fmt.Errorf("priority %d is out of range [0, 100]", it.Priority))
	}
	return errors.Join(errs...)
}
