package expert

import (
	"errors"
	"strings"

	"github.com/samber/lo"
)

var ErrEmptySelection = errors.New("no experts selected")

const selectionSeparator = ","

// Selection is an ordered set of expert ids. The order is the launch and display order.
type Selection []ID

// ParseSelection reads the comma-delimited form used on the wire and in storage.
// Blank entries are dropped and the first occurrence of a duplicate wins.
func ParseSelection(s string) (Selection, error) {
	ids := lo.FilterMap(strings.Split(s, selectionSeparator), func(part string, _ int) (ID, bool) {
		part = strings.TrimSpace(part)
		return ID(part), part != ""
	})
	if len(ids) == 0 {
		return nil, ErrEmptySelection
	}
	return Selection(lo.Uniq(ids)), nil
}

func (s Selection) String() string {
	return strings.Join(lo.Map(s, func(id ID, _ int) string { return string(id) }), selectionSeparator)
}

func (s Selection) Contains(id ID) bool {
	return lo.Contains(s, id)
}

// MarshalText renders the delimited form so records keep the stored string shape.
func (s Selection) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Selection) UnmarshalText(text []byte) error {
	sel, err := ParseSelection(string(text))
	if err != nil {
		return err
	}
	*s = sel
	return nil
}
