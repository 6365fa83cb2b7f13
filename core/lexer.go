package core

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// TokenType classifies a lexical token.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenKeyword
	TokenInteger
	TokenReal
	TokenString
	TokenHexString
	TokenName
	TokenArrayStart
	TokenArrayEnd
	TokenDictStart
	TokenDictEnd
	TokenIndirectRef
)

// Token is one lexical unit. Value holds decoded bytes for strings, hex
// strings and names, and the literal text otherwise.
type Token struct {
	Type  TokenType
	Value []byte
	Pos   int64
}

func (t *Token) String() string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d:%q@%d", t.Type, t.Value, t.Pos)
}

// Lexer splits PDF syntax into tokens. Comments are skipped. Errors from
// the underlying reader other than io.EOF, such as *MissingDataError, are
// returned unchanged.
type Lexer struct {
	r   *bufio.Reader
	pos int64
}

// NewLexer reads from r with positions counted from 0.
func NewLexer(r io.Reader) *Lexer {
	return NewLexerAt(r, 0)
}

// NewLexerAt reads from r reporting positions relative to base.
func NewLexerAt(r io.Reader, base int64) *Lexer {
	return &Lexer{r: bufio.NewReader(r), pos: base}
}

// Pos is the absolute offset of the next unread byte.
func (l *Lexer) Pos() int64 { return l.pos }

// NextToken returns the next token, or a TokenEOF token at end of input.
func (l *Lexer) NextToken() (*Token, error) {
	for {
		if err := l.skipSpace(); err != nil {
			if err == io.EOF {
				return &Token{Type: TokenEOF, Pos: l.pos}, nil
			}
			return nil, err
		}
		b, err := l.peek()
		if err != nil {
			return nil, err
		}
		if b != '%' {
			break
		}
		if err := l.skipLine(); err != nil && err != io.EOF {
			return nil, err
		}
	}

	start := l.pos
	b, _ := l.peek()
	switch {
	case b == '[':
		l.readByte()
		return &Token{Type: TokenArrayStart, Value: []byte{b}, Pos: start}, nil
	case b == ']':
		l.readByte()
		return &Token{Type: TokenArrayEnd, Value: []byte{b}, Pos: start}, nil
	case b == '(':
		return l.readString()
	case b == '<':
		next, err := l.r.Peek(2)
		if err != nil && err != io.EOF {
			return nil, err
		}
		if len(next) == 2 && next[1] == '<' {
			l.discard(2)
			return &Token{Type: TokenDictStart, Value: []byte("<<"), Pos: start}, nil
		}
		return l.readHexString()
	case b == '>':
		next, err := l.r.Peek(2)
		if err != nil && err != io.EOF {
			return nil, err
		}
		if len(next) == 2 && next[1] == '>' {
			l.discard(2)
			return &Token{Type: TokenDictEnd, Value: []byte(">>"), Pos: start}, nil
		}
		l.readByte()
		return nil, Formatf("unexpected '>' at offset %d", start)
	case b == '/':
		return l.readName()
	case isDigit(b) || b == '-' || b == '+' || b == '.':
		return l.readNumber()
	case isRegular(b):
		return l.readKeyword()
	}
	l.readByte()
	return nil, Formatf("unexpected byte %q at offset %d", b, start)
}

func (l *Lexer) readByte() (byte, error) {
	b, err := l.r.ReadByte()
	if err == nil {
		l.pos++
	}
	return b, err
}

func (l *Lexer) peek() (byte, error) {
	p, err := l.r.Peek(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (l *Lexer) discard(n int) {
	d, _ := l.r.Discard(n)
	l.pos += int64(d)
}

func (l *Lexer) skipSpace() error {
	for {
		b, err := l.peek()
		if err != nil {
			return err
		}
		if !isWhitespace(b) {
			return nil
		}
		l.discard(1)
	}
}

func (l *Lexer) skipLine() error {
	for {
		b, err := l.readByte()
		if err != nil {
			return err
		}
		if b == '\n' || b == '\r' {
			return nil
		}
	}
}

// SkipStreamEOL consumes the end-of-line marker that follows the "stream"
// keyword: CRLF, LF or a lone CR.
func (l *Lexer) SkipStreamEOL() error {
	b, err := l.peek()
	if err != nil {
		return err
	}
	switch b {
	case '\n':
		l.discard(1)
	case '\r':
		l.discard(1)
		if next, err := l.peek(); err == nil && next == '\n' {
			l.discard(1)
		}
	}
	return nil
}

func (l *Lexer) readString() (*Token, error) {
	start := l.pos
	l.readByte()
	var buf []byte
	depth := 1
	for {
		b, err := l.readByte()
		if err != nil {
			return nil, unexpectedEOF(err, "string", start)
		}
		switch b {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return &Token{Type: TokenString, Value: buf, Pos: start}, nil
			}
		case '\\':
			c, err := l.readByte()
			if err != nil {
				return nil, unexpectedEOF(err, "string", start)
			}
			switch c {
			case 'n':
				buf = append(buf, '\n')
			case 'r':
				buf = append(buf, '\r')
			case 't':
				buf = append(buf, '\t')
			case 'b':
				buf = append(buf, '\b')
			case 'f':
				buf = append(buf, '\f')
			case '\r':
				if next, err := l.peek(); err == nil && next == '\n' {
					l.discard(1)
				}
			case '\n':
			default:
				if c >= '0' && c <= '7' {
					v := int(c - '0')
					for i := 0; i < 2; i++ {
						next, err := l.peek()
						if err != nil || next < '0' || next > '7' {
							break
						}
						l.discard(1)
						v = v*8 + int(next-'0')
					}
					buf = append(buf, byte(v))
				} else {
					buf = append(buf, c)
				}
			}
			continue
		}
		buf = append(buf, b)
	}
}

// readHexString decodes <...>. Stray non-hex bytes are ignored and an odd
// trailing digit is padded with zero.
func (l *Lexer) readHexString() (*Token, error) {
	start := l.pos
	l.readByte()
	var buf []byte
	high := -1
	for {
		b, err := l.readByte()
		if err != nil {
			return nil, unexpectedEOF(err, "hex string", start)
		}
		if b == '>' {
			break
		}
		v := hexValue(b)
		if v < 0 {
			continue
		}
		if high < 0 {
			high = v
		} else {
			buf = append(buf, byte(high<<4|v))
			high = -1
		}
	}
	if high >= 0 {
		buf = append(buf, byte(high<<4))
	}
	return &Token{Type: TokenHexString, Value: buf, Pos: start}, nil
}

func (l *Lexer) readName() (*Token, error) {
	start := l.pos
	l.readByte()
	var buf []byte
	for {
		b, err := l.peek()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if !isRegular(b) {
			break
		}
		l.discard(1)
		if b == '#' {
			if p, err := l.r.Peek(2); err == nil && hexValue(p[0]) >= 0 && hexValue(p[1]) >= 0 {
				l.discard(2)
				buf = append(buf, byte(hexValue(p[0])<<4|hexValue(p[1])))
				continue
			}
		}
		buf = append(buf, b)
	}
	return &Token{Type: TokenName, Value: buf, Pos: start}, nil
}

// readNumber accepts a sign, digits and at most one decimal point. Repeated
// leading signs are collapsed, as some writers emit "--1".
func (l *Lexer) readNumber() (*Token, error) {
	start := l.pos
	var buf []byte
	isReal := false
scan:
	for {
		b, err := l.peek()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch {
		case isDigit(b):
		case b == '.' && !isReal:
			isReal = true
		case (b == '-' || b == '+') && len(buf) == 0:
		case b == '-' && len(buf) == 1 && (buf[0] == '-' || buf[0] == '+'):
			l.discard(1)
			continue
		default:
			break scan
		}
		l.discard(1)
		buf = append(buf, b)
	}
	typ := TokenInteger
	if isReal {
		typ = TokenReal
	}
	return &Token{Type: typ, Value: buf, Pos: start}, nil
}

func (l *Lexer) readKeyword() (*Token, error) {
	start := l.pos
	var buf []byte
	for {
		b, err := l.peek()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if !isRegular(b) {
			break
		}
		l.discard(1)
		buf = append(buf, b)
	}
	if len(buf) == 1 && buf[0] == 'R' {
		return &Token{Type: TokenIndirectRef, Value: buf, Pos: start}, nil
	}
	return &Token{Type: TokenKeyword, Value: buf, Pos: start}, nil
}

// ReadBytes reads exactly n bytes of binary data.
func (l *Lexer) ReadBytes(n int) ([]byte, error) {
	data := make([]byte, n)
	got, err := io.ReadFull(l.r, data)
	l.pos += int64(got)
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return data[:got], Formatf("stream data truncated: want %d bytes, got %d", n, got)
		}
		return data[:got], err
	}
	return data, nil
}

// Peek returns the next byte without consuming it.
func (l *Lexer) Peek() (byte, error) { return l.peek() }

// ReadByte consumes one byte.
func (l *Lexer) ReadByte() (byte, error) { return l.readByte() }

func unexpectedEOF(err error, what string, start int64) error {
	if err == io.EOF {
		return Formatf("unterminated %s at offset %d", what, start)
	}
	return err
}

func isWhitespace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\f', 0:
		return true
	}
	return false
}

func isDelimiter(b byte) bool {
	switch b {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func isRegular(b byte) bool { return !isWhitespace(b) && !isDelimiter(b) }

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func hexValue(b byte) int {
	switch {
	case b >= '0' && b <= '9':
		return int(b - '0')
	case b >= 'a' && b <= 'f':
		return int(b-'a') + 10
	case b >= 'A' && b <= 'F':
		return int(b-'A') + 10
	}
	return -1
}

// parseInt parses a token's integer text; an empty or sign-only value is 0.
func parseInt(v []byte) int64 {
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
