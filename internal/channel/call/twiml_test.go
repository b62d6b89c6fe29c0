package call

import (
	"encoding/xml"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatherTwiML(t *testing.T) {
	b, err := GatherTwiML("Dentist at 9 & bring <card>.", "https://notify.example.com/webhooks/call/gather", 8*time.Second)
	require.NoError(t, err)

	var r twimlResponse
	require.NoError(t, xml.Unmarshal(b, &r))
	require.NotNil(t, r.Gather)
	assert.Equal(t, 1, r.Gather.NumDigits)
	assert.Equal(t, "8", r.Gather.Timeout)
	assert.Equal(t, "POST", r.Gather.Method)
	assert.Equal(t, "https://notify.example.com/webhooks/call/gather", r.Gather.Action)
	assert.Equal(t, []string{"Dentist at 9 & bring <card>.", menuPrompt}, r.Gather.Say)
	assert.Equal(t, []string{noInput}, r.Say)
	assert.NotNil(t, r.Hangup)

	assert.Contains(t, string(b), "&amp; bring &lt;card&gt;")
}

func TestGatherTwiMLMinimumTimeout(t *testing.T) {
	b, err := GatherTwiML("hi", "https://x/gather", 0)
	require.NoError(t, err)
	assert.Contains(t, string(b), `timeout="1"`)
}

func TestReplyTwiML(t *testing.T) {
	var r twimlResponse
	require.NoError(t, xml.Unmarshal(ReplyTwiML("Goodbye."), &r))
	assert.Nil(t, r.Gather)
	assert.Equal(t, []string{"Goodbye."}, r.Say)
	assert.NotNil(t, r.Hangup)
}
