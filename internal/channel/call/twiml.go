package call

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"time"
)

const (
	menuPrompt = "Press 1 to confirm. Press 2 to reschedule. Press 3 to cancel."
	noInput    = "We did not receive a response. Goodbye."
)

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Gather  *twimlGather `xml:"Gather,omitempty"`
	Say     []string     `xml:"Say"`
	Hangup  *struct{}    `xml:"Hangup,omitempty"`
}

type twimlGather struct {
	NumDigits int      `xml:"numDigits,attr"`
	Timeout   string   `xml:"timeout,attr"`
	Action    string   `xml:"action,attr"`
	Method    string   `xml:"method,attr"`
	Say       []string `xml:"Say"`
}

// GatherTwiML renders the call script: the reminder and menu inside a
// single-digit Gather posting to gatherURL, then a goodbye and hangup if
// nothing is pressed.
func GatherTwiML(script, gatherURL string, timeout time.Duration) ([]byte, error) {
	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	r := twimlResponse{
		Gather: &twimlGather{
			NumDigits: 1,
			Timeout:   strconv.Itoa(secs),
			Action:    gatherURL,
			Method:    "POST",
			Say:       []string{script, menuPrompt},
		},
		Say:    []string{noInput},
		Hangup: &struct{}{},
	}
	return marshal(r)
}

// ReplyTwiML renders a spoken message followed by a hangup; it answers
// the gather callback.
func ReplyTwiML(message string) []byte {
	b, err := marshal(twimlResponse{Say: []string{message}, Hangup: &struct{}{}})
	if err != nil {
		// A single escaped string cannot fail to marshal.
		return []byte(xml.Header + "<Response><Hangup/></Response>")
	}
	return b
}

func marshal(r twimlResponse) ([]byte, error) {
	b, err := xml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshaling TwiML: %w", err)
	}
	return append([]byte(xml.Header), b...), nil
}
