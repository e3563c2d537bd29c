package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"Provenance/client"
	"Provenance/internal/api"
	"Provenance/internal/dispatch"
	"Provenance/internal/registry"
	"Provenance/internal/snapshot"
	"Provenance/internal/storage"
)

// startNode serves a leader dispatcher with the faucet enabled.
func startNode(t *testing.T) string {
	t.Helper()

	db, err := storage.New(t.TempDir())
	require.NoError(t, err)

	d := dispatch.New(db)
	srv := httptest.NewServer(api.New("", d, api.Options{Faucet: true}).Handler())

	t.Cleanup(func() {
		srv.Close()
		db.Close()
	})

	return srv.URL
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	buf := &bytes.Buffer{}
	cmd := newRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return buf.String(), err
}

// newAccount generates a key and funds it.
func newAccount(t *testing.T, node string) (string, registry.AccountID) {
	t.Helper()

	keyPath := filepath.Join(t.TempDir(), "user.key")

	out, err := execute(t, "--key", keyPath, "--format", "json", "keygen")
	require.NoError(t, err)

	var res keygenResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))

	id, err := registry.ParseAccountID(res.Account)
	require.NoError(t, err)

	_, err = execute(t, "--node", node, "--key", keyPath, "faucet", "10000")
	require.NoError(t, err)

	return keyPath, id
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "claimctl", cmd.Use)
	assert.Contains(t, cmd.Long, "digest claims")
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	commands := []string{"keygen", "create", "revoke", "get", "account", "faucet", "events", "snapshot", "status"}

	for _, name := range commands {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err, "command %s should exist", name)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := newRootCommand()

	nodeFlag := cmd.PersistentFlags().Lookup("node")
	require.NotNil(t, nodeFlag)
	assert.Equal(t, "localhost:8080", nodeFlag.DefValue)

	keyFlag := cmd.PersistentFlags().Lookup("key")
	require.NotNil(t, keyFlag)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestFormatValidation(t *testing.T) {
	_, err := execute(t, "--format", "xml", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.Equal(t, exitCommandError, exitCode(err))
}

func TestClaimLifecycle(t *testing.T) {
	node := startNode(t)
	alice, aliceID := newAccount(t, node)
	bob, _ := newAccount(t, node)

	out, err := execute(t, "--node", node, "--key", alice, "create", "00ff")
	require.NoError(t, err)
	assert.Contains(t, out, "create 00ff")

	out, err = execute(t, "--node", node, "--key", alice, "--format", "json", "get", "00ff")
	require.NoError(t, err)

	var info client.ClaimInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, aliceID.String(), info.Owner)
	assert.NotZero(t, info.CreatedAt)

	// Bob cannot take or revoke Alice's claim
	_, err = execute(t, "--node", node, "--key", bob, "create", "00ff")
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrAlreadyClaimed))
	assert.Equal(t, exitRejected, exitCode(err))

	_, err = execute(t, "--node", node, "--key", bob, "revoke", "00ff")
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrNotOwner))

	out, err = execute(t, "--node", node, "--key", alice, "--format", "json", "account")
	require.NoError(t, err)

	var acct client.AccountInfo
	require.NoError(t, json.Unmarshal([]byte(out), &acct))
	assert.Equal(t, uint64(10000-registry.Fee), acct.Free)
	assert.Equal(t, uint64(registry.Fee), acct.Reserved)
	assert.Equal(t, uint64(1), acct.Nonce)

	_, err = execute(t, "--node", node, "--key", alice, "revoke", "00ff")
	require.NoError(t, err)

	_, err = execute(t, "--node", node, "get", "00ff")
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrNotClaimed))
	assert.Equal(t, exitRejected, exitCode(err))
}

func TestCreateFromFile(t *testing.T) {
	node := startNode(t)
	key, _ := newAccount(t, node)

	path := filepath.Join(t.TempDir(), "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("quarterly report"), 0o600))

	_, err := execute(t, "--node", node, "--key", key, "create", "--file", path)
	require.NoError(t, err)

	sum := blake3.Sum256([]byte("quarterly report"))
	out, err := execute(t, "--node", node, "get", hex.EncodeToString(sum[:]))
	require.NoError(t, err)
	assert.Contains(t, out, hex.EncodeToString(sum[:]))
}

func TestDigestTooLong(t *testing.T) {
	node := startNode(t)
	key, _ := newAccount(t, node)

	long := hex.EncodeToString(bytes.Repeat([]byte{0xAB}, registry.MaxDigestBytes+1))

	_, err := execute(t, "--node", node, "--key", key, "create", long)
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrDigestTooLong))
}

func TestDigestResolve(t *testing.T) {
	tests := []struct {
		name string
		opts digestOptions
		args []string
		want string
		err  bool
	}{
		{"hex", digestOptions{}, []string{"00ff"}, "00ff", false},
		{"empty hex", digestOptions{}, []string{""}, "", false},
		{"missing", digestOptions{}, nil, "", true},
		{"bad hex", digestOptions{}, []string{"zz"}, "", true},
		{"both", digestOptions{File: "x"}, []string{"00"}, "", true},
		{"missing file", digestOptions{File: filepath.Join(t.TempDir(), "none")}, nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.opts.resolve(tt.args)
			if tt.err {
				require.Error(t, err)
				assert.Equal(t, exitCommandError, exitCode(err))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, hex.EncodeToString(got))
		})
	}
}

func TestKeygenRefusesOverwrite(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "k.key")

	_, err := execute(t, "--key", keyPath, "keygen")
	require.NoError(t, err)

	first, err := client.LoadKey(keyPath)
	require.NoError(t, err)

	_, err = execute(t, "--key", keyPath, "keygen")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = execute(t, "--key", keyPath, "keygen", "--force")
	require.NoError(t, err)

	second, err := client.LoadKey(keyPath)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestMissingKey(t *testing.T) {
	node := startNode(t)

	_, err := execute(t, "--node", node, "--key", filepath.Join(t.TempDir(), "none.key"), "create", "00")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keygen")
	assert.Equal(t, exitCommandError, exitCode(err))
}

func TestFaucetInvalidAmount(t *testing.T) {
	_, err := execute(t, "faucet", "lots")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid amount")
}

func TestEventsAndStatus(t *testing.T) {
	node := startNode(t)
	key, id := newAccount(t, node)

	out, err := execute(t, "--node", node, "events")
	require.NoError(t, err)
	assert.Contains(t, out, "No events.")

	_, err = execute(t, "--node", node, "--key", key, "create", "01")
	require.NoError(t, err)
	_, err = execute(t, "--node", node, "--key", key, "revoke", "01")
	require.NoError(t, err)

	out, err = execute(t, "--node", node, "--format", "json", "events", "--from", "1")
	require.NoError(t, err)

	var list []client.EventInfo
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "ClaimCreated", list[0].Kind)
	assert.Equal(t, "ClaimRevoked", list[1].Kind)
	assert.Equal(t, id.String(), list[1].Owner)

	out, err = execute(t, "--node", node, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "applied:")
	assert.Contains(t, out, fmt.Sprintf("lastSeq:   %d", 2))
}

func TestSnapshotCommand(t *testing.T) {
	node := startNode(t)
	key, _ := newAccount(t, node)

	_, err := execute(t, "--node", node, "--key", key, "create", "02")
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "state.snap")
	_, err = execute(t, "--node", node, "snapshot", "--out", out)
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)

	raw, err := snapshot.Decompress(data)
	require.NoError(t, err)

	st, err := snapshot.Decode(raw)
	require.NoError(t, err)
	assert.Len(t, st.Claims, 1)
	assert.Equal(t, uint64(1), st.LastSeq)
}

func TestSnapshotRequiresOut(t *testing.T) {
	_, err := execute(t, "snapshot")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitSuccess},
		{"exit error", newExitError(exitCommandError, "bad"), exitCommandError},
		{"registry rejection", &client.APIError{Status: 403, Code: "NotOwner"}, exitRejected},
		{"wrapped rejection", fmt.Errorf("revoke:\n%w", &client.APIError{Status: 409, Code: "AlreadyClaimed"}), exitRejected},
		{"bad nonce", &client.APIError{Status: 409, Code: "BadNonce"}, exitCommandError},
		{"other", errors.New("connection refused"), exitCommandError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}
