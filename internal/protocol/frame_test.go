package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barkeep-io/barkeep/internal/barerr"
)

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand(`42 jobStart jobUUID=0190a3f2-0000-7000-8000-000000000001 archiveType=FULL customText='nightly run'`)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cmd.ID)
	assert.Equal(t, "jobStart", cmd.Name)
	assert.Equal(t, "FULL", cmd.Args["archiveType"])
	assert.Equal(t, "nightly run", cmd.Args["customText"])
}

func TestParseCommandErrors(t *testing.T) {
	for _, line := range []string{"", "justone", "x jobStart", "1 jobStart badarg"} {
		_, err := ParseCommand(line)
		assert.Error(t, err, line)
	}
}

func TestResultFormatAndParse(t *testing.T) {
	r := &Result{
		ID:       7,
		Complete: true,
		Code:     barerr.CodeNone,
		Fields:   Fields{}.Add("name", "job one").Add("count", 3),
	}
	line := r.Format()

	parsed, err := ParseResult(line)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), parsed.ID)
	assert.True(t, parsed.Complete)
	assert.Equal(t, barerr.CodeNone, parsed.Code)

	name, ok := parsed.Get("name")
	require.True(t, ok)
	assert.Equal(t, "job one", name)
	count, ok := parsed.Get("count")
	require.True(t, ok)
	assert.Equal(t, "3", count)
}

func TestResultErrorFrame(t *testing.T) {
	r := &Result{ID: 9, Complete: true, Code: barerr.CodeJobNotFound,
		Fields: Fields{}.Add("error", "job \"x\" not found")}
	parsed, err := ParseResult(r.Format())
	require.NoError(t, err)
	assert.Equal(t, barerr.CodeJobNotFound, parsed.Code)
	msg, _ := parsed.Get("error")
	assert.Equal(t, `job "x" not found`, msg)
}

func TestCommandRoundTrip(t *testing.T) {
	cmd := &Command{ID: 3, Name: "authorize", Args: Args{
		"encryptType": "NONE",
		"name":        "master one",
	}}
	parsed, err := ParseCommand(cmd.Format())
	require.NoError(t, err)
	assert.Equal(t, cmd.Name, parsed.Name)
	assert.Equal(t, cmd.Args["name"], parsed.Args["name"])
}

func TestArgsAccessors(t *testing.T) {
	a := Args{"n": "5", "flag": "yes", "s": "x"}

	n, err := a.Int("n")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = a.Int("missing")
	assert.True(t, barerr.Is(err, barerr.CodeExpectedParameter))

	_, err = a.Int("s")
	assert.True(t, barerr.Is(err, barerr.CodeExpectedParameter))

	assert.True(t, a.Bool("flag", false))
	assert.False(t, a.Bool("missing", false))
	assert.Equal(t, "x", a.StringDefault("s", "y"))
	assert.Equal(t, "y", a.StringDefault("missing", "y"))
}

func TestSessionKeyRoundTrip(t *testing.T) {
	key, err := NewSessionKey()
	require.NoError(t, err)
	require.NotEmpty(t, key.PublicKey())

	// RSA: client encrypts against the advertised key, server decrypts.
	enc, err := Encrypt(key.PublicKey(), EncryptRSA, "s3cret")
	require.NoError(t, err)
	dec, err := key.Decrypt(EncryptRSA, enc)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", dec)

	// NONE: plain base64.
	enc, err = Encrypt("", EncryptNone, "s3cret")
	require.NoError(t, err)
	dec, err = key.Decrypt(EncryptNone, enc)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", dec)

	_, err = key.Decrypt("ROT13", enc)
	assert.Error(t, err)
}
