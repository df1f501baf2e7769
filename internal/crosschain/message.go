// Package crosschain executes relayed messages against the ledger and tracks
// outbound requests as escrowed intents.
package crosschain

import (
	"encoding/binary"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"cofinance/internal/ledger"
)

var (
	ErrUntrustedSender  = errors.New("untrusted sender")
	ErrDuplicateMessage = errors.New("duplicate message")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUnsupportedChain = errors.New("unsupported chain")
	ErrUnknownIntent    = errors.New("unknown intent")
	ErrIntentResolved   = errors.New("intent already resolved")
)

func init() {
	ledger.RegisterCategory(ErrUntrustedSender, ledger.CategoryAuthorization)
	ledger.RegisterCategory(ErrDuplicateMessage, ledger.CategoryStateConflict)
	ledger.RegisterCategory(ErrMalformedPayload, ledger.CategoryValidation)
	ledger.RegisterCategory(ErrUnsupportedChain, ledger.CategoryValidation)
	ledger.RegisterCategory(ErrUnknownIntent, ledger.CategoryStateConflict)
	ledger.RegisterCategory(ErrIntentResolved, ledger.CategoryStateConflict)
}

// Message is the relayed envelope.
type Message struct {
	MessageID     common.Hash    `json:"message_id"`
	SourceChainID uint64         `json:"source_chain_id"`
	DestChainID   uint64         `json:"dest_chain_id"`
	Sender        common.Address `json:"sender"`
	Payload       hexutil.Bytes  `json:"payload"`
}

// NewMessageID derives a message id unique per sender and nonce.
func NewMessageID(sourceChainID, destChainID uint64, sender common.Address, nonce uint64, payload []byte) common.Hash {
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], sourceChainID)
	binary.BigEndian.PutUint64(buf[8:16], destChainID)
	binary.BigEndian.PutUint64(buf[16:24], nonce)
	return crypto.Keccak256Hash(buf[:], sender.Bytes(), payload)
}
