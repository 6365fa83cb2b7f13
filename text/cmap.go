package text

import (
	"bytes"
	"errors"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"github.com/tsawler/pagestream/core"
)

// cmap is a parsed ToUnicode CMap. Codespace ranges decide how many bytes
// make up a code; bfchar and bfrange entries give the text of a code.
type cmap struct {
	spaces []codespace
	chars  map[uint32]string
	ranges []bfrange
}

type codespace struct {
	n      int
	lo, hi uint32
}

// bfrange maps lo..hi onto dst, dst incremented per code.
type bfrange struct {
	lo, hi uint32
	dst    []byte
}

var utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// parseCMap reads the codespacerange, bfchar and bfrange sections of a
// CMap program. Everything else is PostScript the extractor does not need.
func parseCMap(data []byte) (*cmap, error) {
	cm := &cmap{chars: map[uint32]string{}}
	lex := core.NewLexer(bytes.NewReader(data))
	next := func() (*core.Token, error) {
		for {
			tok, err := lex.NextToken()
			var fe *core.FormatError
			if errors.As(err, &fe) {
				continue
			}
			return tok, err
		}
	}

	for {
		tok, err := next()
		if err != nil {
			return nil, err
		}
		if tok.Type == core.TokenEOF {
			return cm, nil
		}
		if tok.Type != core.TokenKeyword {
			continue
		}
		switch string(tok.Value) {
		case "begincodespacerange":
			err = cm.section(next, "endcodespacerange", 2, func(toks []*core.Token) {
				if toks[0].Type == core.TokenHexString && toks[1].Type == core.TokenHexString {
					cm.spaces = append(cm.spaces, codespace{n: len(toks[0].Value), lo: code(toks[0].Value), hi: code(toks[1].Value)})
				}
			})
		case "beginbfchar":
			err = cm.section(next, "endbfchar", 2, func(toks []*core.Token) {
				if toks[0].Type != core.TokenHexString {
					return
				}
				switch toks[1].Type {
				case core.TokenHexString:
					cm.chars[code(toks[0].Value)] = decodeUTF16(toks[1].Value)
				case core.TokenName:
					cm.chars[code(toks[0].Value)] = glyphText(string(toks[1].Value))
				}
			})
		case "beginbfrange":
			err = cm.bfrange(next)
		}
		if err != nil {
			return nil, err
		}
	}
}

// section collects groups of n tokens until the end keyword.
func (cm *cmap) section(next func() (*core.Token, error), end string, n int, fn func([]*core.Token)) error {
	var group []*core.Token
	for {
		tok, err := next()
		if err != nil {
			return err
		}
		if tok.Type == core.TokenEOF || (tok.Type == core.TokenKeyword && string(tok.Value) == end) {
			return nil
		}
		group = append(group, tok)
		if len(group) == n {
			fn(group)
			group = group[:0]
		}
	}
}

func (cm *cmap) bfrange(next func() (*core.Token, error)) error {
	for {
		lo, err := next()
		if err != nil {
			return err
		}
		if lo.Type == core.TokenEOF || (lo.Type == core.TokenKeyword && string(lo.Value) == "endbfrange") {
			return nil
		}
		hi, err := next()
		if err != nil {
			return err
		}
		dst, err := next()
		if err != nil {
			return err
		}
		if lo.Type != core.TokenHexString || hi.Type != core.TokenHexString {
			continue
		}
		from, to := code(lo.Value), code(hi.Value)
		switch dst.Type {
		case core.TokenHexString:
			if to >= from {
				cm.ranges = append(cm.ranges, bfrange{lo: from, hi: to, dst: dst.Value})
			}
		case core.TokenArrayStart:
			c := from
			for {
				tok, err := next()
				if err != nil {
					return err
				}
				if tok.Type == core.TokenArrayEnd || tok.Type == core.TokenEOF {
					break
				}
				if tok.Type == core.TokenHexString && c <= to {
					cm.chars[c] = decodeUTF16(tok.Value)
				}
				c++
			}
		}
	}
}

// readCode reads one code from s at i using the codespace ranges. It
// reports the code and its length in bytes; bytes outside every range are
// read one at a time.
func (cm *cmap) readCode(s []byte, i int) (uint32, int) {
	var c uint32
	for n := 1; n <= 4 && i+n <= len(s); n++ {
		c = c<<8 | uint32(s[i+n-1])
		for _, sp := range cm.spaces {
			if sp.n == n && c >= sp.lo && c <= sp.hi {
				return c, n
			}
		}
	}
	return uint32(s[i]), 1
}

func (cm *cmap) lookup(c uint32) (string, bool) {
	if s, ok := cm.chars[c]; ok {
		return s, true
	}
	for _, r := range cm.ranges {
		if c < r.lo || c > r.hi {
			continue
		}
		dst := append([]byte(nil), r.dst...)
		carry := c - r.lo
		for j := len(dst) - 1; j >= 0 && carry > 0; j-- {
			sum := uint32(dst[j]) + carry
			dst[j] = byte(sum)
			carry = sum >> 8
		}
		return decodeUTF16(dst), true
	}
	return "", false
}

func code(b []byte) uint32 {
	var c uint32
	for _, x := range b {
		c = c<<8 | uint32(x)
	}
	return c
}

func decodeUTF16(b []byte) string {
	if len(b) == 1 {
		return string(rune(b[0]))
	}
	out, err := utf16be.NewDecoder().Bytes(b)
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(out), "\x00")
}
