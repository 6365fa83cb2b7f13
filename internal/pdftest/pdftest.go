// Package pdftest writes small PDF files for tests: classic and stream
// cross-reference sections, object streams, incremental updates and page
// trees of any shape. Offsets are computed, never hand-written.
package pdftest

import (
	"bytes"
	"crypto/md5"
	"crypto/rc4"
	"encoding/binary"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// Object is one indirect object body, written as "Num Gen obj Body endobj".
type Object struct {
	Num  int
	Gen  int
	Body string
}

// Builder accumulates objects and writes a complete file.
type Builder struct {
	Version string
	Root    int
	Info    int
	// ID, when set, is written as /ID [<ID> <ID>] in hex.
	ID []byte
	// Trailer is extra trailer text, e.g. "/Encrypt 9 0 R".
	Trailer string

	objs map[int]Object
	next int
}

// NewBuilder returns a builder that numbers objects from 1.
func NewBuilder() *Builder {
	return &Builder{Version: "1.7", objs: make(map[int]Object), next: 1}
}

// Reserve allocates an object number to be filled with Set.
func (b *Builder) Reserve() int {
	n := b.next
	b.next++
	return n
}

// Add stores body under a new object number.
func (b *Builder) Add(body string) int {
	n := b.Reserve()
	b.Set(n, body)
	return n
}

// Set stores body under num.
func (b *Builder) Set(num int, body string) {
	b.objs[num] = Object{Num: num, Body: body}
	if num >= b.next {
		b.next = num + 1
	}
}

// Stream formats a stream object body with a correct /Length.
func Stream(dict string, data []byte) string {
	return fmt.Sprintf("<< %s /Length %d >>\nstream\n%s\nendstream", dict, len(data), data)
}

// FlateStream formats a FlateDecode stream body.
func FlateStream(dict string, data []byte) string {
	return Stream("/Filter /FlateDecode "+dict, Deflate(data))
}

// Deflate compresses data with zlib.
func Deflate(data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

func (b *Builder) sorted() []Object {
	objs := make([]Object, 0, len(b.objs))
	for _, o := range b.objs {
		objs = append(objs, o)
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Num < objs[j].Num })
	return objs
}

func (b *Builder) header(buf *bytes.Buffer) {
	fmt.Fprintf(buf, "%%PDF-%s\n%%\xe2\xe3\xcf\xd3\n", b.Version)
}

func writeObject(buf *bytes.Buffer, o Object) int {
	off := buf.Len()
	fmt.Fprintf(buf, "%d %d obj\n%s\nendobj\n", o.Num, o.Gen, o.Body)
	return off
}

func (b *Builder) trailerDict(size int, extra string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<< /Size %d /Root %d 0 R", size, b.Root)
	if b.Info > 0 {
		fmt.Fprintf(&sb, " /Info %d 0 R", b.Info)
	}
	if b.ID != nil {
		fmt.Fprintf(&sb, " /ID [<%x> <%x>]", b.ID, b.ID)
	}
	if b.Trailer != "" {
		sb.WriteString(" " + b.Trailer)
	}
	if extra != "" {
		sb.WriteString(" " + extra)
	}
	sb.WriteString(" >>")
	return sb.String()
}

// Build writes the file with a classic cross-reference table.
func (b *Builder) Build() []byte {
	var buf bytes.Buffer
	b.header(&buf)
	offsets := make(map[int]int)
	for _, o := range b.sorted() {
		offsets[o.Num] = writeObject(&buf, o)
	}
	xref := buf.Len()
	writeTable(&buf, offsets, b.next)
	fmt.Fprintf(&buf, "trailer\n%s\nstartxref\n%d\n%%%%EOF\n", b.trailerDict(b.next, ""), xref)
	return buf.Bytes()
}

func writeTable(buf *bytes.Buffer, offsets map[int]int, size int) {
	fmt.Fprintf(buf, "xref\n0 %d\n", size)
	buf.WriteString("0000000000 65535 f \n")
	for n := 1; n < size; n++ {
		if off, ok := offsets[n]; ok {
			fmt.Fprintf(buf, "%010d 00000 n \n", off)
		} else {
			buf.WriteString("0000000000 00001 f \n")
		}
	}
}

// BuildXRefStream writes the file with a cross-reference stream. When
// compress is true, every non-stream object except the catalog goes into
// one object stream.
func (b *Builder) BuildXRefStream(compress bool) []byte {
	var buf bytes.Buffer
	b.header(&buf)

	type loc struct {
		kind       byte
		off, index int
	}
	locs := make(map[int]loc)
	var packed []Object
	for _, o := range b.sorted() {
		if compress && o.Num != b.Root && !strings.Contains(o.Body, "stream\n") {
			packed = append(packed, o)
			continue
		}
		locs[o.Num] = loc{kind: 1, off: writeObject(&buf, o)}
	}

	size := b.next
	if len(packed) > 0 {
		stmNum := size
		size++
		var head, body bytes.Buffer
		for i, o := range packed {
			fmt.Fprintf(&head, "%d %d ", o.Num, body.Len())
			body.WriteString(o.Body + "\n")
			locs[o.Num] = loc{kind: 2, off: stmNum, index: i}
		}
		data := append(head.Bytes(), body.Bytes()...)
		locs[stmNum] = loc{kind: 1, off: writeObject(&buf, Object{
			Num:  stmNum,
			Body: FlateStream(fmt.Sprintf("/Type /ObjStm /N %d /First %d", len(packed), head.Len()), data),
		})}
	}

	xrefNum := size
	size++
	xref := buf.Len()
	locs[xrefNum] = loc{kind: 1, off: xref}

	var rows bytes.Buffer
	for n := 0; n < size; n++ {
		l, ok := locs[n]
		row := make([]byte, 7)
		if ok {
			row[0] = l.kind
			binary.BigEndian.PutUint32(row[1:5], uint32(l.off))
			binary.BigEndian.PutUint16(row[5:7], uint16(l.index))
		}
		rows.Write(row)
	}
	dict := strings.TrimSuffix(strings.TrimPrefix(b.trailerDict(size, ""), "<< "), " >>")
	writeObject(&buf, Object{Num: xrefNum, Body: FlateStream("/Type /XRef /W [1 4 2] "+dict, rows.Bytes())})
	fmt.Fprintf(&buf, "startxref\n%d\n%%%%EOF\n", xref)
	return buf.Bytes()
}

var (
	startxrefRE = regexp.MustCompile(`startxref\s+(\d+)\s+%%EOF\s*$`)
	rootRE      = regexp.MustCompile(`/Root (\d+) 0 R`)
	sizeRE      = regexp.MustCompile(`/Size (\d+)`)
)

func lastInt(re *regexp.Regexp, data []byte) int {
	m := re.FindAllSubmatch(data, -1)
	if len(m) == 0 {
		return 0
	}
	n, _ := strconv.Atoi(string(m[len(m)-1][1]))
	return n
}

// AppendUpdate appends an incremental update holding objs, linked to the
// previous section through /Prev. root replaces /Root when non-zero.
func AppendUpdate(base []byte, objs []Object, root int) []byte {
	m := startxrefRE.FindSubmatch(base)
	if m == nil {
		panic("pdftest: base has no startxref")
	}
	prev, _ := strconv.Atoi(string(m[1]))
	if root == 0 {
		root = lastInt(rootRE, base)
	}
	size := lastInt(sizeRE, base)

	var buf bytes.Buffer
	buf.Write(base)
	offsets := make(map[int]int)
	nums := make([]int, 0, len(objs))
	for _, o := range objs {
		offsets[o.Num] = writeObject(&buf, o)
		nums = append(nums, o.Num)
		if o.Num >= size {
			size = o.Num + 1
		}
	}
	sort.Ints(nums)

	xref := buf.Len()
	buf.WriteString("xref\n")
	for _, n := range nums {
		fmt.Fprintf(&buf, "%d 1\n%010d %05d n \n", n, offsets[n], 0)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root %d 0 R /Prev %d >>\nstartxref\n%d\n%%%%EOF\n", size, root, prev, xref)
	return buf.Bytes()
}

// PageTree adds a page tree with n leaves where every intermediate node
// has at most fanout kids. rootExtra is appended to the root node and page
// returns the extra body of leaf i. It sets b.Root to a new catalog and
// returns the page-tree root and leaf object numbers.
func (b *Builder) PageTree(n, fanout int, rootExtra string, page func(i int) string) (int, []int) {
	if fanout < 2 {
		fanout = 2
	}
	type node struct {
		num   int
		count int
	}
	leaves := make([]int, n)
	level := make([]node, n)
	for i := range leaves {
		leaves[i] = b.Reserve()
		level[i] = node{num: leaves[i], count: 1}
	}
	parent := make(map[int]int)
	kids := make(map[int][]node)

	for first := true; first || len(level) > 1; first = false {
		var next []node
		for i := 0; i < len(level) || (i == 0 && len(level) == 0); i += fanout {
			end := i + fanout
			if end > len(level) {
				end = len(level)
			}
			p := node{num: b.Reserve()}
			for _, k := range level[i:end] {
				parent[k.num] = p.num
				p.count += k.count
			}
			kids[p.num] = level[i:end]
			next = append(next, p)
		}
		level = next
	}
	root := level[0].num

	for i, num := range leaves {
		extra := ""
		if page != nil {
			extra = page(i)
		}
		b.Set(num, fmt.Sprintf("<< /Type /Page /Parent %d 0 R %s >>", parent[num], extra))
	}
	for num, ks := range kids {
		refs := make([]string, len(ks))
		count := 0
		for i, k := range ks {
			refs[i] = fmt.Sprintf("%d 0 R", k.num)
			count += k.count
		}
		body := fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d", strings.Join(refs, " "), count)
		if p, ok := parent[num]; ok {
			body += fmt.Sprintf(" /Parent %d 0 R", p)
		}
		if num == root && rootExtra != "" {
			body += " " + rootExtra
		}
		b.Set(num, body+" >>")
	}
	b.Root = b.Add(fmt.Sprintf("<< /Type /Catalog /Pages %d 0 R >>", root))
	return root, leaves
}

// SimpleDocument returns an n-page letter-size document whose pages each
// draw "Page i" with a shared font.
func SimpleDocument(n int) []byte {
	b := NewBuilder()
	font := b.Add("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")
	contents := make([]int, n)
	for i := range contents {
		contents[i] = b.Add(Stream("", []byte(fmt.Sprintf("BT /F1 12 Tf 72 720 Td (Page %d) Tj ET", i+1))))
	}
	b.PageTree(n, 10, fmt.Sprintf("/MediaBox [0 0 612 792] /Resources << /Font << /F1 %d 0 R >> >>", font), func(i int) string {
		return fmt.Sprintf("/Contents %d 0 R", contents[i])
	})
	b.ID = []byte{0xde, 0xad, 0xbe, 0xef}
	return b.Build()
}

var passwordPadding = []byte{
	0x28, 0xBF, 0x4E, 0x5E, 0x4E, 0x75, 0x8A, 0x41, 0x64, 0x00, 0x4E, 0x56, 0xFF, 0xFA, 0x01, 0x08,
	0x2E, 0x2E, 0x00, 0xB6, 0xD0, 0x68, 0x3E, 0x80, 0x2F, 0x0C, 0xA9, 0xFE, 0x64, 0x53, 0x69, 0x7A,
}

func padPassword(pw string) []byte {
	out := make([]byte, 32)
	n := copy(out, pw)
	copy(out[n:], passwordPadding)
	return out
}

func rc4Bytes(key, data []byte) []byte {
	c, _ := rc4.NewCipher(key)
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out
}

func xorBytes(key []byte, v byte) []byte {
	out := make([]byte, len(key))
	for i, b := range key {
		out[i] = b ^ v
	}
	return out
}

// EncryptedDocument returns an n-page document protected by the standard
// security handler, revision 3 with a 128-bit RC4 key. The information
// dictionary holds an encrypted /Title of title.
func EncryptedDocument(n int, user, owner, title string) []byte {
	const p = -3900
	id := []byte("0123456789abcdef")

	okey := md5.Sum(padPassword(owner))
	for i := 0; i < 50; i++ {
		okey = md5.Sum(okey[:])
	}
	o := padPassword(user)
	for i := 0; i <= 19; i++ {
		o = rc4Bytes(xorBytes(okey[:], byte(i)), o)
	}

	m := md5.New()
	m.Write(padPassword(user))
	m.Write(o)
	var pb [4]byte
	pv := int32(p)
	binary.LittleEndian.PutUint32(pb[:], uint32(pv))
	m.Write(pb[:])
	m.Write(id)
	key := m.Sum(nil)
	for i := 0; i < 50; i++ {
		s := md5.Sum(key[:16])
		key = s[:]
	}
	key = key[:16]

	m = md5.New()
	m.Write(passwordPadding)
	m.Write(id)
	u := rc4Bytes(key, m.Sum(nil))
	for i := 1; i <= 19; i++ {
		u = rc4Bytes(xorBytes(key, byte(i)), u)
	}
	u = append(u[:16], make([]byte, 16)...)

	b := NewBuilder()
	info := b.Reserve()
	b.Info = info
	b.PageTree(n, 10, "/MediaBox [0 0 612 792]", nil)
	objKey := md5.Sum(append(append([]byte(nil), key...), byte(info), byte(info>>8), byte(info>>16), 0, 0))
	b.Set(info, fmt.Sprintf("<< /Title <%x> >>", rc4Bytes(objKey[:], []byte(title))))
	enc := b.Add(fmt.Sprintf("<< /Filter /Standard /V 2 /R 3 /Length 128 /O <%x> /U <%x> /P %d >>", o, u, p))
	b.ID = id
	b.Trailer = fmt.Sprintf("/Encrypt %d 0 R", enc)
	return b.Build()
}
