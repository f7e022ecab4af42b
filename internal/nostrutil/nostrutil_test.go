package nostrutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeysRoundTrip(t *testing.T) {
	keys, err := GenerateKeys()
	require.NoError(t, err)
	require.NotEmpty(t, keys.PrivateKey)
	require.NotEmpty(t, keys.PublicKey)
	require.Contains(t, keys.Nsec, "nsec1")
	require.Contains(t, keys.Npub, "npub1")

	decoded, err := KeysFromSecret(keys.Nsec)
	require.NoError(t, err)
	require.Equal(t, keys.PrivateKey, decoded.PrivateKey)
	require.Equal(t, keys.PublicKey, decoded.PublicKey)
}

func TestKeysFromSecretHex(t *testing.T) {
	generated, err := GenerateKeys()
	require.NoError(t, err)

	fromHex, err := KeysFromSecret(generated.PrivateKey)
	require.NoError(t, err)
	require.Equal(t, generated.PublicKey, fromHex.PublicKey)
	require.Equal(t, generated.Npub, fromHex.Npub)
}

func TestKeysFromSecretRejectsWrongPrefix(t *testing.T) {
	generated, err := GenerateKeys()
	require.NoError(t, err)
	_, err = KeysFromSecret(generated.Npub)
	require.Error(t, err)
}

func TestLoadKeysFromFile(t *testing.T) {
	generated, err := GenerateKeys()
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	require.NoError(t, os.WriteFile(path, []byte(generated.Nsec+"\n"), 0o600))

	loaded, err := LoadKeys(path)
	require.NoError(t, err)
	require.Equal(t, generated.PublicKey, loaded.PublicKey)
}

func TestLoadKeysFromEnv(t *testing.T) {
	generated, err := GenerateKeys()
	require.NoError(t, err)
	t.Setenv("NOSTR_PRIVATE_KEY", generated.PrivateKey)

	loaded, err := LoadKeys("")
	require.NoError(t, err)
	require.Equal(t, generated.PublicKey, loaded.PublicKey)
}

func TestLoadKeysMissingEverything(t *testing.T) {
	t.Setenv("NOSTR_PRIVATE_KEY", "")
	_, err := LoadKeys("")
	require.Error(t, err)
}

func TestComputeRumorIDDeterministicAndSensitive(t *testing.T) {
	a := ComputeRumorID("author", "peer", 100, "hello")
	b := ComputeRumorID("author", "peer", 100, "hello")
	require.Equal(t, a, b)

	c := ComputeRumorID("author", "peer", 100, "different")
	require.NotEqual(t, a, c)
}

func TestTagBuilders(t *testing.T) {
	require.Equal(t, []string{"e", "id1", "", "reply"}, []string(ReplyTag("id1")))
	require.Equal(t, []string{"e", "id1", "", "edit"}, []string(EditTag("id1")))
	require.Equal(t, []string{"e", "id1"}, []string(ReactionTag("id1")))
	require.Equal(t, []string{"ms", "42"}, []string(MillisecondTag(42)))
	require.Equal(t, []string{"h", "group1"}, []string(GroupTag("group1")))
}

func TestImetaTagWithSize(t *testing.T) {
	tag := ImetaTag("https://example/file", "image/png", 1024)
	require.Equal(t, "imeta", tag[0])
	require.Contains(t, tag, "url https://example/file")
	require.Contains(t, tag, "m image/png")
	require.Contains(t, tag, "size 1024")
}

func TestImetaTagWithoutSize(t *testing.T) {
	tag := ImetaTag("https://example/file", "image/png", 0)
	for _, field := range tag {
		require.NotContains(t, field, "size ")
	}
}

func TestFirstGroupTag(t *testing.T) {
	tags := nostr.Tags{{"p", "pubkey"}, {"h", "group1"}}
	gid, ok := FirstGroupTag(tags)
	require.True(t, ok)
	require.Equal(t, "group1", gid)

	_, ok = FirstGroupTag(nostr.Tags{{"p", "pubkey"}})
	require.False(t, ok)
}
