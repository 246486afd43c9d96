package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/pbkdf2"

	"github.com/kvsovanreach/mind-llm/pkg/types"
)

type fakeKeyStore struct {
	mu      sync.Mutex
	keys    map[string]types.APIKeyInfo
	touched []string
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{keys: map[string]types.APIKeyInfo{}}
}

func (f *fakeKeyStore) SaveAPIKey(ctx context.Context, hash string, info types.APIKeyInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[hash] = info
	return nil
}

func (f *fakeKeyStore) GetAPIKey(ctx context.Context, hash string) (types.APIKeyInfo, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.keys[hash]
	return info, ok, nil
}

func (f *fakeKeyStore) ListAPIKeys(ctx context.Context) ([]types.APIKeyInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.APIKeyInfo
	for _, v := range f.keys {
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeKeyStore) DeleteAPIKey(ctx context.Context, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.keys[hash]
	delete(f.keys, hash)
	return ok, nil
}

func (f *fakeKeyStore) FindAPIKeyByPrefix(ctx context.Context, prefix string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for h, v := range f.keys {
		if v.Prefix == prefix {
			return h, true, nil
		}
	}
	return "", false, nil
}

func (f *fakeKeyStore) TouchAPIKey(ctx context.Context, hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, hash)
}

func newTestAuth(t *testing.T) (*Authenticator, *fakeKeyStore) {
	t.Helper()
	hash, err := HashPassword("MindAdmin123")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	ks := newFakeKeyStore()
	return New("admin", hash, "test-secret-at-least-32-bytes-long!", 24, ks, zerolog.Nop()), ks
}

func TestHashVerifyPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(hash, "pbkdf2_sha256:") {
		t.Fatalf("encoding: %s", hash)
	}
	if !VerifyPassword("s3cret", hash) {
		t.Fatalf("correct password rejected")
	}
	if VerifyPassword("wrong", hash) {
		t.Fatalf("wrong password accepted")
	}
}

func TestVerifyPasswordLegacyFormat(t *testing.T) {
	// legacy sha256:{salt}:{hash_hex} entries keep verifying
	legacy := "sha256:somesalt:" + legacyDigest("pw", "somesalt")
	if !VerifyPassword("pw", legacy) {
		t.Fatalf("legacy hash rejected")
	}
	if VerifyPassword("other", legacy) {
		t.Fatalf("legacy wrong password accepted")
	}
}

func legacyDigest(pw, salt string) string {
	dk := pbkdf2.Key([]byte(pw), []byte(salt), 100000, sha256.Size, sha256.New)
	return hex.EncodeToString(dk)
}

func TestVerifyPasswordMalformed(t *testing.T) {
	for _, enc := range []string{"", "plain", "sha256:only-two", "pbkdf2_sha256:!!:!!:x"} {
		if VerifyPassword("pw", enc) {
			t.Fatalf("malformed hash %q accepted", enc)
		}
	}
}

func TestLoginAndVerifySession(t *testing.T) {
	a, _ := newTestAuth(t)
	tok, err := a.Login("admin", "MindAdmin123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if tok.Token == "" || tok.ExpiresAt <= time.Now().UnixMilli() {
		t.Fatalf("bad token response: %+v", tok)
	}
	sub, err := a.VerifySession(tok.Token)
	if err != nil || sub != "admin" {
		t.Fatalf("verify: sub=%q err=%v", sub, err)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	a, _ := newTestAuth(t)
	if _, err := a.Login("admin", "wrong"); !IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := a.Login("root", "MindAdmin123"); !IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestVerifySessionTampered(t *testing.T) {
	a, _ := newTestAuth(t)
	tok, _ := a.Login("admin", "MindAdmin123")
	if _, err := a.VerifySession(tok.Token + "x"); !IsUnauthorized(err) {
		t.Fatalf("tampered token accepted")
	}
	if _, err := a.VerifySession("not-a-token"); !IsUnauthorized(err) {
		t.Fatalf("garbage token accepted")
	}
}

func TestVerifySessionExpired(t *testing.T) {
	hash, _ := HashPassword("pw")
	a := New("admin", hash, "test-secret-at-least-32-bytes-long!", 0, newFakeKeyStore(), zerolog.Nop())
	tok, err := a.Login("admin", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := a.VerifySession(tok.Token); !IsUnauthorized(err) {
		t.Fatalf("expired token accepted")
	}
}

func TestMintVerifyRevokeKey(t *testing.T) {
	a, ks := newTestAuth(t)
	created, err := a.MintKey(context.Background(), "ci", "pipeline key")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if !strings.HasPrefix(created.APIKey, "sk_") {
		t.Fatalf("key shape: %s", created.APIKey)
	}
	if created.Prefix != created.APIKey[:8] {
		t.Fatalf("prefix: %s", created.Prefix)
	}

	// the full key never reaches the store
	ks.mu.Lock()
	for _, info := range ks.keys {
		if strings.Contains(info.Name+info.Prefix+info.Description, created.APIKey) {
			t.Fatalf("full key persisted")
		}
	}
	ks.mu.Unlock()

	if !a.VerifyKey(context.Background(), created.APIKey) {
		t.Fatalf("valid key rejected")
	}
	if a.VerifyKey(context.Background(), "sk_forged") {
		t.Fatalf("forged key accepted")
	}

	ok, err := a.DeleteKey(context.Background(), created.Prefix)
	if err != nil || !ok {
		t.Fatalf("delete by prefix: ok=%v err=%v", ok, err)
	}
	if a.VerifyKey(context.Background(), created.APIKey) {
		t.Fatalf("revoked key accepted")
	}
}

func TestDeleteKeyByFullValue(t *testing.T) {
	a, _ := newTestAuth(t)
	created, _ := a.MintKey(context.Background(), "k", "")
	ok, err := a.DeleteKey(context.Background(), created.APIKey)
	if err != nil || !ok {
		t.Fatalf("delete by full key: ok=%v err=%v", ok, err)
	}
}

func TestVerifyKeyTouchesAsync(t *testing.T) {
	a, ks := newTestAuth(t)
	created, _ := a.MintKey(context.Background(), "k", "")
	if !a.VerifyKey(context.Background(), created.APIKey) {
		t.Fatalf("key rejected")
	}
	deadline := time.Now().Add(time.Second)
	for {
		ks.mu.Lock()
		n := len(ks.touched)
		ks.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("last_used_at never touched")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
