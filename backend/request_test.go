package backend

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chhz0/inferq/types"
)

func TestParseRequest(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		chat    bool
		prompt  string
		options map[string]any
		wantErr bool
	}{
		{name: "prompt", payload: `{"prompt":"hello","temperature":0.5}`, prompt: "hello", options: map[string]any{"temperature": 0.5}},
		{name: "text alias", payload: `{"text":"hi"}`, prompt: "hi"},
		{name: "chat", payload: `{"messages":[{"role":"user","content":"yo"}]}`, chat: true},
		{name: "other json", payload: `{"image": [1, 2]}`, prompt: `{"image":[1,2]}`},
		{name: "plain text", payload: `tell me a joke`, prompt: "tell me a joke"},
		{name: "json string", payload: `"quoted"`, prompt: `"quoted"`},
		{name: "empty", payload: "  ", wantErr: true},
		{name: "empty messages", payload: `{"messages":[]}`, wantErr: true},
		{name: "prompt not string", payload: `{"prompt":3}`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := ParseRequest([]byte(tc.payload))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.chat, req.IsChat())
			if !tc.chat {
				assert.Equal(t, tc.prompt, req.Prompt)
			}
			if tc.options != nil {
				assert.Equal(t, tc.options, req.Options)
			}
		})
	}
}

func TestCollapse(t *testing.T) {
	down := Unavailable("dial", errors.New("refused"))

	t.Run("nothing answered is a whole-batch failure", func(t *testing.T) {
		_, err := collapse([]Outcome{{Err: down}, {Err: down}})
		assert.True(t, errors.Is(err, types.ErrBackendUnavailable))
	})

	t.Run("partial answers isolate the failures", func(t *testing.T) {
		out, err := collapse([]Outcome{{Result: []byte("ok")}, {Err: down}})
		require.NoError(t, err)
		assert.True(t, errors.Is(out[1].Err, types.ErrBackendItem))
	})

	t.Run("item errors count as answered", func(t *testing.T) {
		out, err := collapse([]Outcome{{Err: ItemError("bad", nil)}, {Err: down}})
		require.NoError(t, err)
		assert.True(t, errors.Is(out[0].Err, types.ErrBackendItem))
		assert.True(t, errors.Is(out[1].Err, types.ErrBackendItem))
	})
}
