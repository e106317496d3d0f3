package validation

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/jobcore/internal/conflict"
)

func TestRulesWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "denylist.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[rules]]\nid = \"one\"\npattern = \"forbidden\"\n"), 0o600))

	scanner := NewSecurityScanner(nil, nil)
	w, err := NewRulesWatcher(path, scanner, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, scanner.Rules().Len())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	replace := func(content string) {
		tmp := path + ".tmp"
		require.NoError(t, os.WriteFile(tmp, []byte(content), 0o600))
		require.NoError(t, os.Rename(tmp, path))
	}
	waitReload := func() error {
		select {
		case err := <-w.reloaded:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for rules reload")
			return nil
		}
	}

	replace("[[rules]]\nid = \"one\"\npattern = \"forbidden\"\n\n[[rules]]\nid = \"two\"\npattern = \"banned\"\n")
	require.NoError(t, waitReload())
	assert.Equal(t, 2, scanner.Rules().Len())

	findings, err := scanner.Scan(conflict.LangText, "this is banned")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "two", findings[0].RuleID)

	// A broken file keeps the previous rules.
	replace("[[rules]]\nid = \"x\"\npattern = \"[bad\"\n")
	assert.Error(t, waitReload())
	assert.Equal(t, 2, scanner.Rules().Len())
}
