package threads

import (
	"strings"
	"unicode"

	"github.com/leadwave/wpsync/internal/domain"
)

// Category narrows the directory to a subset of threads.
type Category string

const (
	CategoryAll    Category = "all"
	CategoryActive Category = "active"
	CategoryUnread Category = "unread"
	CategoryClosed Category = "closed"
)

// Valid reports whether c is a known category. The empty category means all.
func (c Category) Valid() bool {
	switch c {
	case "", CategoryAll, CategoryActive, CategoryUnread, CategoryClosed:
		return true
	}
	return false
}

func (c Category) match(t domain.Thread) bool {
	switch c {
	case CategoryActive:
		return !t.IsClosed
	case CategoryUnread:
		return t.UnreadCount > 0
	case CategoryClosed:
		return t.IsClosed
	default:
		return true
	}
}

// Filter is a free-text search combined with a category.
type Filter struct {
	Query    string   `json:"query"`
	Category Category `json:"category"`
}

// Match reports whether t passes both the search and the category.
func (f Filter) Match(t domain.Thread) bool {
	return f.Category.match(t) && matchQuery(strings.TrimSpace(f.Query), t)
}

// matchQuery matches case-insensitively on name, phone and preview. Phone
// numbers also match on digits alone, so "+55 (11) 9999" finds "551199990000".
func matchQuery(q string, t domain.Thread) bool {
	if q == "" {
		return true
	}
	lq := strings.ToLower(q)
	for _, field := range []string{t.DisplayName, t.Phone, t.LastMessagePreview} {
		if strings.Contains(strings.ToLower(field), lq) {
			return true
		}
	}
	if dq := digits(q); dq != "" && dq == strings.Map(keepPhoneRune, q) {
		return strings.Contains(digits(t.Phone), dq)
	}
	return false
}

// keepPhoneRune keeps digits and drops the punctuation people type in phone
// numbers. Any other rune is kept so the query is not treated as a number.
func keepPhoneRune(r rune) rune {
	switch {
	case unicode.IsDigit(r):
		return r
	case strings.ContainsRune("+-() .", r):
		return -1
	default:
		return r
	}
}

func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}
