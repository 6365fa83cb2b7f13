package reader

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/pagestream/core"
	"github.com/tsawler/pagestream/internal/pdftest"
	"github.com/tsawler/pagestream/source"
)

var testID = []byte("0123456789abcdef")

// rc4Fixture builds a revision 3 encryption dictionary and the handler
// that produced it.
func rc4Fixture(user, owner string, p int32) (core.Dict, *SecurityHandler) {
	h := &SecurityHandler{revision: 3, keyLen: 16, p: p, id: testID, encryptMetadata: true, stmf: cryptRC4, strf: cryptRC4}
	okey := h.ownerKey([]byte(owner))
	o := pad([]byte(user))
	for i := 0; i <= 19; i++ {
		o = rc4Crypt(xorKey(okey, byte(i)), o)
	}
	h.o = o
	h.key = h.fileKey([]byte(user))
	h.u = append(h.userCheck(h.key)[:16], make([]byte, 16)...)
	enc := core.Dict{
		"Filter": core.Name("Standard"), "V": core.Int(2), "R": core.Int(3), "Length": core.Int(128),
		"O": core.String(h.o), "U": core.String(h.u), "P": core.Int(p),
	}
	return enc, h
}

func wrapKey(kek, key []byte) []byte {
	block, _ := aes.NewCipher(kek)
	out := make([]byte, len(key))
	cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, key)
	return out
}

func aesEncrypt(key, iv, plain []byte) []byte {
	n := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte(nil), plain...), bytes.Repeat([]byte{byte(n)}, n)...)
	block, _ := aes.NewCipher(key)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return append(append([]byte(nil), iv...), out...)
}

func aesFixture(revision int, user, owner string, fileKey []byte) core.Dict {
	h := &SecurityHandler{revision: revision}
	uv, uk := []byte("uvalsalt"), []byte("ukeysalt")
	u := append(append(h.hash([]byte(user), uv, nil), uv...), uk...)
	ov, ok := []byte("ovalsalt"), []byte("okeysalt")
	o := append(append(h.hash([]byte(owner), ov, u), ov...), ok...)
	return core.Dict{
		"Filter": core.Name("Standard"), "V": core.Int(5), "R": core.Int(revision), "Length": core.Int(256),
		"CF":   core.Dict{"StdCF": core.Dict{"CFM": core.Name("AESV3"), "Length": core.Int(32)}},
		"StmF": core.Name("StdCF"), "StrF": core.Name("StdCF"),
		"O": core.String(o), "U": core.String(u),
		"OE": core.String(wrapKey(h.hash([]byte(owner), ok, u), fileKey)),
		"UE": core.String(wrapKey(h.hash([]byte(user), uk, nil), fileKey)),
		"P":  core.Int(-4),
	}
}

func TestSecurityHandlerRC4Passwords(t *testing.T) {
	enc, want := rc4Fixture("user", "owner", -4)

	for _, pw := range []string{"user", "owner"} {
		h, err := NewSecurityHandler(enc, testID, pw)
		require.NoError(t, err, pw)
		assert.Equal(t, want.key, h.key, pw)
	}

	_, err := NewSecurityHandler(enc, testID, "")
	var pe *core.PasswordError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, core.NeedPassword, pe.Code)

	_, err = NewSecurityHandler(enc, testID, "wrong")
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, core.IncorrectPassword, pe.Code)
}

func TestSecurityHandlerEmptyUserPassword(t *testing.T) {
	enc, _ := rc4Fixture("", "owner", -1)
	h, err := NewSecurityHandler(enc, testID, "")
	require.NoError(t, err)
	assert.Len(t, h.Permissions(), len(allPermissions))
}

func TestSecurityHandlerDecryptObject(t *testing.T) {
	_, h := rc4Fixture("user", "owner", -4)
	ref := core.IndirectRef{Number: 7}
	secret := h.decrypt(cryptRC4, ref, []byte("hello"))
	streamData := h.decrypt(cryptRC4, ref, []byte("BT ET"))

	obj, err := h.DecryptObject(ref, &core.Stream{
		Dict: core.Dict{"Title": core.String(secret), "Kids": core.Array{core.String(secret)}},
		Data: streamData,
	})
	require.NoError(t, err)
	s := obj.(*core.Stream)
	assert.Equal(t, core.String("hello"), s.Dict["Title"])
	assert.Equal(t, core.String("hello"), s.Dict["Kids"].(core.Array)[0])
	assert.Equal(t, []byte("BT ET"), s.Data)

	xref := &core.Stream{Dict: core.Dict{"Type": core.Name("XRef")}, Data: []byte{1, 2, 3}}
	obj, err = h.DecryptObject(ref, xref)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, obj.(*core.Stream).Data)
}

func TestSecurityHandlerAES(t *testing.T) {
	fileKey := bytes.Repeat([]byte{0x42}, 32)
	for _, rev := range []int{5, 6} {
		t.Run(fmt.Sprintf("R%d", rev), func(t *testing.T) {
			enc := aesFixture(rev, "user", "owner", fileKey)
			for _, pw := range []string{"user", "owner"} {
				h, err := NewSecurityHandler(enc, nil, pw)
				require.NoError(t, err, pw)
				assert.Equal(t, fileKey, h.key)
			}
			_, err := NewSecurityHandler(enc, nil, "nope")
			var pe *core.PasswordError
			require.ErrorAs(t, err, &pe)

			h, _ := NewSecurityHandler(enc, nil, "user")
			cipherText := aesEncrypt(fileKey, bytes.Repeat([]byte{9}, 16), []byte("Quarterly report"))
			obj, err := h.DecryptObject(core.IndirectRef{Number: 3}, core.String(cipherText))
			require.NoError(t, err)
			assert.Equal(t, core.String("Quarterly report"), obj)
		})
	}
}

func TestSecurityHandlerUnsupported(t *testing.T) {
	_, err := NewSecurityHandler(core.Dict{"Filter": core.Name("Adobe.PubSec")}, nil, "")
	assert.ErrorIs(t, err, core.ErrUnsupportedEncryption)
}

func TestStoreSetupEncryption(t *testing.T) {
	enc, h := rc4Fixture("user", "owner", -3900)
	b := pdftest.NewBuilder()
	info := b.Reserve()
	b.Info = info
	b.PageTree(1, 2, "/MediaBox [0 0 10 10]", nil)
	title := h.decrypt(cryptRC4, core.IndirectRef{Number: info}, []byte("Secret title"))
	b.Set(info, fmt.Sprintf("<< /Title <%x> >>", title))
	encNum := b.Add(fmt.Sprintf("<< /Filter /Standard /V 2 /R 3 /Length 128 /O <%x> /U <%x> /P -3900 >>", enc["O"], enc["U"]))
	b.ID = testID
	b.Trailer = fmt.Sprintf("/Encrypt %d 0 R", encNum)
	data := b.Build()

	src := source.NewMemorySource(data)
	s := NewStore(src, Options{})
	start, _ := core.FindStartXRef(src, src.Length())
	s.SetStartXRef(start)
	require.NoError(t, s.Parse(false))
	assert.True(t, s.Encrypted())
	assert.Nil(t, s.Permissions())

	var pe *core.PasswordError
	require.ErrorAs(t, s.SetupEncryption(""), &pe)
	require.NoError(t, s.SetupEncryption("user"))

	d, err := s.Info()
	require.NoError(t, err)
	assert.Equal(t, core.String("Secret title"), d["Title"])
	assert.Contains(t, s.Permissions(), PermPrint)
	assert.NotContains(t, s.Permissions(), PermModifyContents)
}
