// Package xmlpath addresses single elements inside hierarchical XML
// configuration documents. An Address is an ordered sequence of selector
// tokens consumed left to right; resolving one against a well-formed
// document yields exactly zero or one element.
package xmlpath

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// Token selects one child element at a given depth. Exactly one of three
// forms applies:
//
//   - bare:       Tag set, Attr and Child empty; the unique child with that tag
//   - attribute:  Attr set; the child whose attribute Attr equals Val
//   - child-text: Child set; the child whose child element Child has text Val
type Token struct {
	Tag   string
	Attr  string
	Child string
	Val   string
}

// ParseToken parses the string form of a selector token:
// "tag", "tag:attr:value", or "tag::child:value".
// Values may themselves contain colons.
func ParseToken(s string) (Token, error) {
	if s == "" {
		return Token{}, fmt.Errorf("parse token: empty selector")
	}
	parts := strings.Split(s, ":")
	switch {
	case len(parts) == 1:
		return Token{Tag: parts[0]}, nil
	case len(parts) >= 4 && parts[1] == "":
		if parts[0] == "" || parts[2] == "" {
			return Token{}, fmt.Errorf("parse token %q: tag and child tag must be non-empty", s)
		}
		return Token{Tag: parts[0], Child: parts[2], Val: strings.Join(parts[3:], ":")}, nil
	case len(parts) >= 3:
		if parts[0] == "" || parts[1] == "" {
			return Token{}, fmt.Errorf("parse token %q: tag and attribute must be non-empty", s)
		}
		return Token{Tag: parts[0], Attr: parts[1], Val: strings.Join(parts[2:], ":")}, nil
	default:
		return Token{}, fmt.Errorf("parse token %q: want \"tag\", \"tag:attr:value\" or \"tag::child:value\"", s)
	}
}

// String returns the canonical string form of the token, parseable by
// ParseToken.
func (t Token) String() string {
	switch {
	case t.Attr != "":
		return t.Tag + ":" + t.Attr + ":" + t.Val
	case t.Child != "":
		return t.Tag + "::" + t.Child + ":" + t.Val
	default:
		return t.Tag
	}
}

// Address is an immutable sequence of selector tokens rooted at the
// document element. Equality is structural, see Equal.
type Address []Token

// Parse builds an Address from token string forms, validating each token
// at construction time.
func Parse(tokens ...string) (Address, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("parse address: no tokens")
	}
	addr := make(Address, 0, len(tokens))
	for _, s := range tokens {
		tok, err := ParseToken(s)
		if err != nil {
			return nil, fmt.Errorf("parse address: %w", err)
		}
		addr = append(addr, tok)
	}
	return addr, nil
}

// MustParse is Parse for statically known addresses; it panics on error.
func MustParse(tokens ...string) Address {
	addr, err := Parse(tokens...)
	if err != nil {
		panic(err)
	}
	return addr
}

// ParseString parses the canonical "/"-joined form produced by String.
func ParseString(s string) (Address, error) {
	return Parse(strings.Split(s, "/")...)
}

// String returns the canonical form: token strings joined by "/".
// Addresses with equal String() are Equal and vice versa.
func (a Address) String() string {
	parts := make([]string, len(a))
	for i, t := range a {
		parts[i] = t.String()
	}
	return strings.Join(parts, "/")
}

// Equal reports structural sequence equality of the two addresses.
func Equal(a, b Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// NotFoundError reports a token that matched no element.
type NotFoundError struct {
	Address Address
	Token   Token
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("address %q: no element matches token %q", e.Address, e.Token)
}

// AmbiguousError reports a token that matched more than one element.
// Ambiguity is a caller error, never silently resolved.
type AmbiguousError struct {
	Address Address
	Token   Token
	Matches int
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("address %q: token %q matches %d elements", e.Address, e.Token, e.Matches)
}

// Resolve walks the address from the document root down and returns the
// single element it selects. It returns *NotFoundError when a token yields
// zero matches and *AmbiguousError when it yields more than one.
func Resolve(doc *etree.Document, addr Address) (*etree.Element, error) {
	cur := doc.Root()
	if cur == nil {
		return nil, &NotFoundError{Address: addr, Token: Token{Tag: "/"}}
	}
	for _, tok := range addr {
		var matches []*etree.Element
		for _, el := range cur.SelectElements(tok.Tag) {
			switch {
			case tok.Attr != "":
				if attr := el.SelectAttr(tok.Attr); attr != nil && attr.Value == tok.Val {
					matches = append(matches, el)
				}
			case tok.Child != "":
				if c := el.SelectElement(tok.Child); c != nil && c.Text() == tok.Val {
					matches = append(matches, el)
				}
			default:
				matches = append(matches, el)
			}
		}
		switch len(matches) {
		case 0:
			return nil, &NotFoundError{Address: addr, Token: tok}
		case 1:
			cur = matches[0]
		default:
			return nil, &AmbiguousError{Address: addr, Token: tok, Matches: len(matches)}
		}
	}
	return cur, nil
}

// Apply resolves addr and replaces the selected element's text with value.
func Apply(doc *etree.Document, addr Address, value string) error {
	el, err := Resolve(doc, addr)
	if err != nil {
		return err
	}
	el.SetText(value)
	return nil
}
