package reader

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rc4"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/tsawler/pagestream/core"
)

// Permission is one bit of the /P access flags.
type Permission int

const (
	PermPrint                Permission = 0x04
	PermModifyContents       Permission = 0x08
	PermCopy                 Permission = 0x10
	PermModifyAnnotations    Permission = 0x20
	PermFillInteractiveForms Permission = 0x100
	PermCopyForAccessibility Permission = 0x200
	PermAssemble             Permission = 0x400
	PermPrintHighQuality     Permission = 0x800
)

var allPermissions = []Permission{
	PermPrint, PermModifyContents, PermCopy, PermModifyAnnotations,
	PermFillInteractiveForms, PermCopyForAccessibility, PermAssemble, PermPrintHighQuality,
}

type cryptMethod int

const (
	cryptIdentity cryptMethod = iota
	cryptRC4
	cryptAESV2
	cryptAESV3
)

var passwordPadding = []byte{
	0x28, 0xBF, 0x4E, 0x5E, 0x4E, 0x75, 0x8A, 0x41, 0x64, 0x00, 0x4E, 0x56, 0xFF, 0xFA, 0x01, 0x08,
	0x2E, 0x2E, 0x00, 0xB6, 0xD0, 0x68, 0x3E, 0x80, 0x2F, 0x0C, 0xA9, 0xFE, 0x64, 0x53, 0x69, 0x7A,
}

// SecurityHandler decrypts objects of a document protected by the standard
// security handler, revisions 2 to 6.
type SecurityHandler struct {
	revision        int
	keyLen          int
	key             []byte
	o, u            []byte
	p               int32
	id              []byte
	encryptMetadata bool
	stmf, strf      cryptMethod
}

// NewSecurityHandler authenticates password against the /Encrypt
// dictionary, first as the user password and then as the owner password.
// A failure is a *core.PasswordError: NeedPassword when password is empty,
// IncorrectPassword otherwise.
func NewSecurityHandler(enc core.Dict, id []byte, password string) (*SecurityHandler, error) {
	if f, _ := enc.GetName("Filter"); f != "Standard" {
		return nil, fmt.Errorf("security handler %q: %w", f, core.ErrUnsupportedEncryption)
	}
	v, _ := enc.GetInt("V")
	r, _ := enc.GetInt("R")
	o, _ := enc.GetString("O")
	u, _ := enc.GetString("U")
	p, _ := enc.GetInt("P")
	h := &SecurityHandler{
		revision:        int(r),
		o:               []byte(o),
		u:               []byte(u),
		p:               int32(p),
		id:              id,
		encryptMetadata: true,
		stmf:            cryptRC4,
		strf:            cryptRC4,
	}
	if b, ok := enc.GetBool("EncryptMetadata"); ok {
		h.encryptMetadata = bool(b)
	}

	switch v {
	case 1:
		h.keyLen = 5
	case 2:
		bits, ok := enc.GetInt("Length")
		if !ok {
			bits = 40
		}
		h.keyLen = int(bits) / 8
	case 4:
		h.keyLen = 16
		h.stmf = cryptFilter(enc, "StmF")
		h.strf = cryptFilter(enc, "StrF")
	case 5:
		h.keyLen = 32
		h.stmf = cryptFilter(enc, "StmF")
		h.strf = cryptFilter(enc, "StrF")
	default:
		return nil, fmt.Errorf("encryption version %d: %w", v, core.ErrUnsupportedEncryption)
	}
	if h.keyLen < 5 || h.keyLen > 32 {
		return nil, fmt.Errorf("key length %d: %w", h.keyLen, core.ErrUnsupportedEncryption)
	}

	var ok bool
	switch {
	case h.revision >= 2 && h.revision <= 4:
		if len(h.o) < 32 || len(h.u) < 32 {
			return nil, core.Formatf("encryption dictionary: short /O or /U")
		}
		ok = h.authenticateLegacy([]byte(password))
	case h.revision == 5 || h.revision == 6:
		if len(h.o) < 48 || len(h.u) < 48 {
			return nil, core.Formatf("encryption dictionary: short /O or /U")
		}
		oe, _ := enc.GetString("OE")
		ue, _ := enc.GetString("UE")
		ok = h.authenticateAES([]byte(password), []byte(oe), []byte(ue))
	default:
		return nil, fmt.Errorf("revision %d: %w", h.revision, core.ErrUnsupportedEncryption)
	}
	if !ok {
		if password == "" {
			return nil, &core.PasswordError{Code: core.NeedPassword}
		}
		return nil, &core.PasswordError{Code: core.IncorrectPassword}
	}
	return h, nil
}

func cryptFilter(enc core.Dict, key string) cryptMethod {
	name, ok := enc.GetName(key)
	if !ok || name == "Identity" {
		return cryptIdentity
	}
	cf, _ := enc.GetDict("CF")
	filter, _ := cf.GetDict(string(name))
	switch m, _ := filter.GetName("CFM"); m {
	case "V2":
		return cryptRC4
	case "AESV2":
		return cryptAESV2
	case "AESV3":
		return cryptAESV3
	}
	return cryptIdentity
}

func pad(password []byte) []byte {
	out := make([]byte, 32)
	n := copy(out, password)
	copy(out[n:], passwordPadding)
	return out
}

// fileKey computes the encryption key from a user password.
func (h *SecurityHandler) fileKey(password []byte) []byte {
	m := md5.New()
	m.Write(pad(password))
	m.Write(h.o[:32])
	var pb [4]byte
	binary.LittleEndian.PutUint32(pb[:], uint32(h.p))
	m.Write(pb[:])
	m.Write(h.id)
	if h.revision >= 4 && !h.encryptMetadata {
		m.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	}
	sum := m.Sum(nil)
	if h.revision >= 3 {
		for i := 0; i < 50; i++ {
			s := md5.Sum(sum[:h.keyLen])
			sum = s[:]
		}
	}
	return sum[:h.keyLen]
}

func rc4Crypt(key, data []byte) []byte {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil
	}
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out
}

func xorKey(key []byte, v byte) []byte {
	out := make([]byte, len(key))
	for i, b := range key {
		out[i] = b ^ v
	}
	return out
}

// userCheck computes the /U value key would produce.
func (h *SecurityHandler) userCheck(key []byte) []byte {
	if h.revision == 2 {
		return rc4Crypt(key, passwordPadding)
	}
	m := md5.New()
	m.Write(passwordPadding)
	m.Write(h.id)
	x := rc4Crypt(key, m.Sum(nil))
	for i := 1; i <= 19; i++ {
		x = rc4Crypt(xorKey(key, byte(i)), x)
	}
	return x
}

func (h *SecurityHandler) checkUserKey(key []byte) bool {
	want := h.u[:32]
	got := h.userCheck(key)
	if h.revision >= 3 {
		want, got = want[:16], got[:16]
	}
	return bytes.Equal(want, got)
}

// ownerKey derives the RC4 key that wraps the user password in /O.
func (h *SecurityHandler) ownerKey(owner []byte) []byte {
	sum := md5.Sum(pad(owner))
	if h.revision >= 3 {
		for i := 0; i < 50; i++ {
			sum = md5.Sum(sum[:])
		}
	}
	return sum[:h.keyLen]
}

func (h *SecurityHandler) authenticateLegacy(password []byte) bool {
	if key := h.fileKey(password); h.checkUserKey(key) {
		h.key = key
		return true
	}
	okey := h.ownerKey(password)
	user := h.o[:32]
	if h.revision == 2 {
		user = rc4Crypt(okey, user)
	} else {
		for i := 19; i >= 0; i-- {
			user = rc4Crypt(xorKey(okey, byte(i)), user)
		}
	}
	if key := h.fileKey(user); h.checkUserKey(key) {
		h.key = key
		return true
	}
	return false
}

func (h *SecurityHandler) hash(password, salt, udata []byte) []byte {
	if len(password) > 127 {
		password = password[:127]
	}
	if h.revision == 5 {
		m := sha256.New()
		m.Write(password)
		m.Write(salt)
		m.Write(udata)
		return m.Sum(nil)
	}
	return hardenedHash(password, salt, udata)
}

// hardenedHash is the revision 6 iterated hash.
func hardenedHash(password, salt, udata []byte) []byte {
	m := sha256.New()
	m.Write(password)
	m.Write(salt)
	m.Write(udata)
	k := m.Sum(nil)
	for i := 0; ; i++ {
		seq := make([]byte, 0, len(password)+len(k)+len(udata))
		seq = append(append(append(seq, password...), k...), udata...)
		k1 := bytes.Repeat(seq, 64)
		block, _ := aes.NewCipher(k[:16])
		e := make([]byte, len(k1))
		cipher.NewCBCEncrypter(block, k[16:32]).CryptBlocks(e, k1)
		sum := 0
		for _, b := range e[:16] {
			sum += int(b)
		}
		var next hash.Hash
		switch sum % 3 {
		case 0:
			next = sha256.New()
		case 1:
			next = sha512.New384()
		default:
			next = sha512.New()
		}
		next.Write(e)
		k = next.Sum(nil)
		if i >= 63 && int(e[len(e)-1]) <= i-31 {
			break
		}
	}
	return k[:32]
}

func unwrapKey(kek, wrapped []byte) []byte {
	if len(wrapped) < 32 {
		return nil
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil
	}
	out := make([]byte, 32)
	cipher.NewCBCDecrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, wrapped[:32])
	return out
}

func (h *SecurityHandler) authenticateAES(password, oe, ue []byte) bool {
	u48 := h.u[:48]
	if bytes.Equal(h.hash(password, h.u[32:40], nil), h.u[:32]) {
		h.key = unwrapKey(h.hash(password, h.u[40:48], nil), ue)
		return h.key != nil
	}
	if bytes.Equal(h.hash(password, h.o[32:40], u48), h.o[:32]) {
		h.key = unwrapKey(h.hash(password, h.o[40:48], u48), oe)
		return h.key != nil
	}
	return false
}

func (h *SecurityHandler) objectKey(ref core.IndirectRef, aesSalt bool) []byte {
	m := md5.New()
	m.Write(h.key)
	m.Write([]byte{byte(ref.Number), byte(ref.Number >> 8), byte(ref.Number >> 16)})
	m.Write([]byte{byte(ref.Generation), byte(ref.Generation >> 8)})
	if aesSalt {
		m.Write([]byte("sAlT"))
	}
	n := h.keyLen + 5
	if n > 16 {
		n = 16
	}
	return m.Sum(nil)[:n]
}

func (h *SecurityHandler) decrypt(method cryptMethod, ref core.IndirectRef, data []byte) []byte {
	switch method {
	case cryptRC4:
		return rc4Crypt(h.objectKey(ref, false), data)
	case cryptAESV2:
		return aesDecrypt(h.objectKey(ref, true), data)
	case cryptAESV3:
		return aesDecrypt(h.key, data)
	}
	return data
}

// aesDecrypt decrypts IV-prefixed CBC data and strips valid padding.
func aesDecrypt(key, data []byte) []byte {
	if len(data) < 2*aes.BlockSize {
		return nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil
	}
	body := data[aes.BlockSize:]
	body = body[:len(body)-len(body)%aes.BlockSize]
	out := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, data[:aes.BlockSize]).CryptBlocks(out, body)
	if n := int(out[len(out)-1]); n >= 1 && n <= aes.BlockSize && n <= len(out) {
		if bytes.Equal(out[len(out)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
			out = out[:len(out)-n]
		}
	}
	return out
}

// DecryptObject returns a copy of obj with strings and stream data
// decrypted using the key of ref.
func (h *SecurityHandler) DecryptObject(ref core.IndirectRef, obj core.Object) (core.Object, error) {
	switch v := obj.(type) {
	case core.String:
		return core.String(h.decrypt(h.strf, ref, []byte(v))), nil
	case core.Array:
		out := make(core.Array, len(v))
		for i, e := range v {
			d, err := h.DecryptObject(ref, e)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	case core.Dict:
		out := make(core.Dict, len(v))
		for k, e := range v {
			d, err := h.DecryptObject(ref, e)
			if err != nil {
				return nil, err
			}
			out[k] = d
		}
		return out, nil
	case *core.Stream:
		d, err := h.DecryptObject(ref, v.Dict)
		if err != nil {
			return nil, err
		}
		dict := d.(core.Dict)
		data := v.Data
		switch {
		case v.Dict.IsType("XRef"):
		case v.Dict.IsType("Metadata") && !h.encryptMetadata:
		default:
			data = h.decrypt(h.stmf, ref, data)
		}
		return &core.Stream{Dict: dict, Data: data}, nil
	}
	return obj, nil
}

// Permissions returns the granted /P flags.
func (h *SecurityHandler) Permissions() []Permission {
	var out []Permission
	for _, p := range allPermissions {
		if h.p&int32(p) != 0 {
			out = append(out, p)
		}
	}
	return out
}

// SetupEncryption installs the security handler named by the trailer,
// authenticating with password. It is a no-op for unencrypted documents.
// The cache is dropped since objects fetched before were not decrypted.
func (s *Store) SetupEncryption(password string) error {
	encObj, ok := s.Trailer()["Encrypt"]
	if !ok {
		return nil
	}
	obj, err := s.FetchIfRef(encObj)
	if err != nil {
		return err
	}
	enc, ok := obj.(core.Dict)
	if !ok {
		return core.Formatf("/Encrypt is %s, not a dictionary", obj.Type())
	}
	var id []byte
	if ids, ok := s.Trailer().GetArray("ID"); ok && len(ids) > 0 {
		if first, ok := ids[0].(core.String); ok {
			id = []byte(first)
		}
	}
	h, err := NewSecurityHandler(enc, id, password)
	if err != nil {
		return err
	}
	s.crypt = h
	s.Cleanup()
	return nil
}

// Permissions returns the granted access flags, or nil when the document
// is not encrypted.
func (s *Store) Permissions() []Permission {
	if s.crypt == nil {
		return nil
	}
	return s.crypt.Permissions()
}
