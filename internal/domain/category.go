package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Category is a scoring bucket. The set is closed; values index fixed-size arrays.
type Category uint8

const (
	CategoryOverall Category = iota
	CategoryChest
	CategoryBack
	CategoryShoulders
	CategoryBiceps
	CategoryTriceps
	CategoryLegs
	CategoryAbs

	// CategoryCount is the number of categories including overall.
	CategoryCount = int(CategoryAbs) + 1
)

var categoryNames = [CategoryCount]string{
	CategoryOverall:   "overall",
	CategoryChest:     "chest",
	CategoryBack:      "back",
	CategoryShoulders: "shoulders",
	CategoryBiceps:    "biceps",
	CategoryTriceps:   "triceps",
	CategoryLegs:      "legs",
	CategoryAbs:       "abs",
}

// AllCategories lists overall followed by the muscle groups.
func AllCategories() []Category {
	out := make([]Category, CategoryCount)
	for i := range out {
		out[i] = Category(i)
	}
	return out
}

// MuscleCategories lists the categories an entry can be attributed to.
func MuscleCategories() []Category {
	return AllCategories()[1:]
}

func (c Category) String() string {
	if !c.Valid() {
		return fmt.Sprintf("category(%d)", uint8(c))
	}
	return categoryNames[c]
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	return int(c) < CategoryCount
}

// IsMuscle reports whether c can receive entry credit.
func (c Category) IsMuscle() bool {
	return c.Valid() && c != CategoryOverall
}

// ParseCategory resolves a category name, case-insensitively.
func ParseCategory(s string) (Category, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range categoryNames {
		if n == name {
			return Category(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidCategory, s)
}

func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCategory, uint8(c))
	}
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// CategorySet is a bitset over Category.
type CategorySet uint16

// NewCategorySet builds a set from the given categories, ignoring unknown values.
func NewCategorySet(cats ...Category) CategorySet {
	var s CategorySet
	for _, c := range cats {
		s = s.With(c)
	}
	return s
}

// AllCategorySet contains every category.
func AllCategorySet() CategorySet {
	return NewCategorySet(AllCategories()...)
}

func (s CategorySet) With(c Category) CategorySet {
	if !c.Valid() {
		return s
	}
	return s | 1<<c
}

func (s CategorySet) Has(c Category) bool {
	return c.Valid() && s&(1<<c) != 0
}

func (s CategorySet) Union(o CategorySet) CategorySet {
	return s | o
}

func (s CategorySet) Empty() bool {
	return s == 0
}

// Slice returns the members in category order.
func (s CategorySet) Slice() []Category {
	var out []Category
	for _, c := range AllCategories() {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s CategorySet) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, CategoryCount)
	for _, c := range s.Slice() {
		names = append(names, c.String())
	}
	return json.Marshal(names)
}

func (s *CategorySet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	var out CategorySet
	for _, n := range names {
		c, err := ParseCategory(n)
		if err != nil {
			return err
		}
		out = out.With(c)
	}
	*s = out
	return nil
}
