package state

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs, nil)

	require.NoError(t, store.Save("/work/.replit-export.save", State{Cursor: "abc", User: 42}))

	loaded, err := store.Load("/work/.replit-export.save")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, State{Cursor: "abc", User: 42}, *loaded)

	data, err := afero.ReadFile(fs, "/work/.replit-export.save")
	require.NoError(t, err)
	assert.JSONEq(t, `{"cursor":"abc","user":42}`, string(data))

	exists, err := afero.Exists(fs, "/work/.replit-export.save.tmp")
	require.NoError(t, err)
	assert.False(t, exists, "temp file is renamed away")
}

func TestSaveOverwrites(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs, nil)

	require.NoError(t, store.Save("state.json", State{Cursor: "a-very-long-cursor-value", User: 1}))
	require.NoError(t, store.Save("state.json", State{Cursor: "b", User: 1}))

	loaded, err := store.Load("state.json")
	require.NoError(t, err)
	assert.Equal(t, "b", loaded.Cursor)
}

func TestLoadMissing(t *testing.T) {
	loaded, err := NewStore(afero.NewMemMapFs(), nil).Load("/nope.save")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestLoadCorrupt(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/bad.save", []byte("{cursor:"), 0o644))

	loaded, err := NewStore(fs, nil).Load("/bad.save")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestLoadPartialState(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/s.save", []byte(`{"user":7}`), 0o644))

	loaded, err := NewStore(fs, nil).Load("/s.save")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(7), loaded.User)
	assert.Nil(t, loaded.CursorPtr())
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name          string
		loaded        *State
		identity      int64
		want          State
		wantDiscarded bool
	}{
		{
			name:     "no checkpoint",
			loaded:   nil,
			identity: 99,
			want:     State{User: 99},
		},
		{
			name:     "same account keeps cursor",
			loaded:   &State{Cursor: "c", User: 42},
			identity: 42,
			want:     State{Cursor: "c", User: 42},
		},
		{
			name:          "other account discards cursor",
			loaded:        &State{Cursor: "c", User: 42},
			identity:      99,
			want:          State{User: 99},
			wantDiscarded: true,
		},
		{
			name:     "checkpoint without user is foreign",
			loaded:   &State{},
			identity: 99,
			want:     State{User: 99},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, discarded := Reconcile(tt.loaded, tt.identity)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantDiscarded, discarded)
		})
	}
}

func TestCursorPtr(t *testing.T) {
	assert.Nil(t, State{}.CursorPtr())
	assert.Equal(t, "x", *State{Cursor: "x"}.CursorPtr())
}
