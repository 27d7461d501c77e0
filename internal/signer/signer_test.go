package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"

	"cosync/internal/covalue"
)

func TestSignAndVerify(t *testing.T) {
	agent, err := NewAgent()
	if err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}

	message := []byte("test message to sign")
	sig := agent.Sign(message)

	if err := Verify(agent.ID(), message, sig); err != nil {
		t.Errorf("signature verification failed: %v", err)
	}
	if err := Verify(agent.ID(), []byte("wrong message"), sig); err == nil {
		t.Error("verification should fail with wrong message")
	}

	other, _ := NewAgent()
	if err := Verify(other.ID(), message, sig); err == nil {
		t.Error("verification should fail with another agent")
	}
	if err := Verify(agent.ID(), message, "signature_zdeadbeef"); err == nil {
		t.Error("verification should fail with short signature")
	}
}

func TestAgentIDRoundTrip(t *testing.T) {
	agent, err := NewAgent()
	if err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}

	sealPub, signPub, err := ParseAgentID(agent.ID())
	if err != nil {
		t.Fatalf("ParseAgentID: %v", err)
	}
	if sealPub != agent.sealPub {
		t.Error("sealer key mismatch")
	}
	if !signPub.Equal(agent.signKey.Public()) {
		t.Error("signer key mismatch")
	}

	for _, bad := range []string{"", "sealer_z00", "sealer_z00/signer_z00", "foo/bar"} {
		if _, _, err := ParseAgentID(covalue.AgentID(bad)); err == nil {
			t.Errorf("ParseAgentID(%q) should fail", bad)
		}
	}
}

func TestFromSeedIsDeterministic(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	rand.Read(seed)

	a, err := FromSeed(seed)
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	b, _ := FromSeed(seed)
	if a.ID() != b.ID() {
		t.Error("same seed must give same agent")
	}
	if _, err := FromSeed(seed[:10]); err == nil {
		t.Error("short seed should be rejected")
	}
}

func TestSealUnseal(t *testing.T) {
	alice, _ := NewAgent()
	bob, _ := NewAgent()
	eve, _ := NewAgent()

	sealed, err := alice.Seal(bob.ID(), []byte("keySecret_z00"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	plain, err := bob.Unseal(alice.ID(), sealed)
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	if string(plain) != "keySecret_z00" {
		t.Errorf("got %q", plain)
	}

	if _, err := eve.Unseal(alice.ID(), sealed); err == nil {
		t.Error("third party must not open the seal")
	}
	if _, err := bob.Unseal(eve.ID(), sealed); err == nil {
		t.Error("wrong sender must not open the seal")
	}
}

func TestSaveAndLoadAgent(t *testing.T) {
	agent, _ := NewAgent()
	path := filepath.Join(t.TempDir(), "agent.key")

	if err := SaveAgent(agent, path); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	loaded, err := LoadAgent(path)
	if err != nil {
		t.Fatalf("LoadAgent: %v", err)
	}
	if loaded.ID() != agent.ID() {
		t.Error("loaded agent differs")
	}
}

func TestLoadOpenSSHKey(t *testing.T) {
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	block, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	agent, err := LoadAgent(keyPath)
	if err != nil {
		t.Fatalf("LoadAgent: %v", err)
	}
	expected, _ := FromSeed(privKey.Seed())
	if agent.ID() != expected.ID() {
		t.Error("OpenSSH key produced a different agent")
	}
}

func TestLoadInvalidKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "bad.key")
	os.WriteFile(keyPath, []byte("not a key at all"), 0600)

	if _, err := LoadAgent(keyPath); err == nil {
		t.Error("expected error for invalid key")
	}
}
