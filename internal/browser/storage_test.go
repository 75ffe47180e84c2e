package browser

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// playwrightStorageState is a trimmed file as written by Playwright's storageState().
const playwrightStorageState = `{
  "cookies": [
    {
      "name": "ESTSAUTHPERSISTENT",
      "value": "opaque",
      "domain": ".login.microsoftonline.com",
      "path": "/",
      "expires": 1767225600.5,
      "httpOnly": true,
      "secure": true,
      "sameSite": "None"
    },
    {
      "name": "CrmOwinAuth",
      "value": "opaque2",
      "domain": "contoso.crm.dynamics.com",
      "path": "/",
      "expires": -1,
      "httpOnly": true,
      "secure": true,
      "sameSite": "Lax"
    }
  ],
  "origins": [
    {
      "origin": "https://contoso.crm.dynamics.com",
      "localStorage": [{"name": "theme", "value": "dark"}]
    }
  ]
}`

func TestReadStorageStateAcceptsPlaywrightFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.json")
	require.NoError(t, os.WriteFile(path, []byte(playwrightStorageState), 0o600))

	state, err := ReadStorageState(path)
	require.NoError(t, err)

	require.Len(t, state.Cookies, 2)
	assert.Equal(t, "ESTSAUTHPERSISTENT", state.Cookies[0].Name)
	assert.Equal(t, 1767225600.5, state.Cookies[0].Expires)
	assert.True(t, state.Cookies[0].HTTPOnly)
	assert.Equal(t, "None", state.Cookies[0].SameSite)
	assert.Equal(t, -1.0, state.Cookies[1].Expires)

	require.Len(t, state.Origins, 1)
	assert.Equal(t, "https://contoso.crm.dynamics.com", state.Origins[0].Origin)
	assert.Equal(t, []NameValue{{Name: "theme", Value: "dark"}}, state.Origins[0].LocalStorage)
}

func TestWriteStorageState(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".auth", "nested", "user.json")
	state := &StorageState{
		Cookies: []Cookie{{Name: "a", Value: "b", Domain: "contoso.com", Path: "/", Expires: -1, SameSite: "Lax"}},
		Origins: []OriginState{},
	}

	require.NoError(t, WriteStorageState(path, state))

	info, err := os.Stat(path)
	require.NoError(t, err)
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "the snapshot holds session cookies")
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files may be left behind")

	// Overwriting an existing snapshot replaces it.
	state.Cookies[0].Value = "c"
	require.NoError(t, WriteStorageState(path, state))
	got, err := ReadStorageState(path)
	require.NoError(t, err)
	assert.Equal(t, "c", got.Cookies[0].Value)
}

func TestReadStorageStateErrors(t *testing.T) {
	_, err := ReadStorageState(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o600))
	_, err = ReadStorageState(bad)
	assert.Error(t, err)
}

func TestRestoreLocalStorageJS(t *testing.T) {
	script, err := restoreLocalStorageJS([]OriginState{{
		Origin:       "https://contoso.crm.dynamics.com",
		LocalStorage: []NameValue{{Name: "quote", Value: `it's "quoted"`}},
	}})
	require.NoError(t, err)

	assert.Contains(t, script, `"origin":"https://contoso.crm.dynamics.com"`)
	assert.Contains(t, script, `it's \"quoted\"`, "values are embedded as JSON, not spliced raw")
	assert.Contains(t, script, "o.origin !== location.origin")
}
