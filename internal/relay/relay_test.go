package relay

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"cofinance/internal/crosschain"
)

func TestSubject(t *testing.T) {
	if got := Subject("", 42); got != "cofinance.xchain.42" {
		t.Fatalf("default subject %q", got)
	}
	if got := Subject("test.bridge", 1); got != "test.bridge.1" {
		t.Fatalf("custom subject %q", got)
	}
}

func TestDecodeMessage(t *testing.T) {
	payload, err := crosschain.EncodeAck(crosschain.KindConfirm, common.HexToHash("0x01"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	in := crosschain.Message{
		MessageID:     common.HexToHash("0xabc"),
		SourceChainID: 1,
		DestChainID:   2,
		Sender:        common.HexToAddress("0x03"),
		Payload:       payload,
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.MessageID != in.MessageID || out.Sender != in.Sender || string(out.Payload) != string(in.Payload) {
		t.Fatalf("decoded %+v", out)
	}

	for name, raw := range map[string]string{
		"garbage":   "{",
		"no source": `{"payload":"0x01"}`,
		"no body":   `{"source_chain_id":1}`,
	} {
		if _, err := DecodeMessage([]byte(raw)); !errors.Is(err, crosschain.ErrMalformedPayload) {
			t.Fatalf("%s: expected malformed payload, got %v", name, err)
		}
	}
}
