// Recomputes a relay message's content digest offline. Useful when a
// transfer id logged by the backend does not match what a signer reports:
// feed both sides' parameters in and compare.
package main

import (
	"flag"
	"fmt"
	"math/big"
	"os"

	"hub-backend/internal/bus"

	"github.com/ethereum/go-ethereum/common"
)

func main() {
	sender := flag.String("sender", "", "sender as 32-byte hex (vault address)")
	recipient := flag.String("recipient", "", "recipient as 32-byte hex")
	amount := flag.String("amount", "", "net amount in base units (decimal)")
	sourceChain := flag.Uint64("source-chain", 0, "source chain id")
	destChain := flag.Uint64("dest-chain", 0, "destination chain id")
	token := flag.String("token", "", "token as 32-byte hex")
	nonce := flag.Uint64("nonce", 0, "ledger message nonce")
	timestamp := flag.Int64("timestamp", 0, "seal timestamp (unix seconds)")
	flag.Parse()

	if *sender == "" || *recipient == "" || *amount == "" {
		flag.Usage()
		os.Exit(2)
	}

	value, ok := new(big.Int).SetString(*amount, 10)
	if !ok {
		fmt.Printf("❌ Invalid amount: %s\n", *amount)
		os.Exit(1)
	}

	msg := &bus.RelayMessage{
		Sender:           common.HexToHash(*sender),
		Recipient:        common.HexToHash(*recipient),
		Amount:           value,
		SourceChain:      *sourceChain,
		DestinationChain: *destChain,
		Token:            common.HexToHash(*token),
		Nonce:            *nonce,
		Timestamp:        *timestamp,
	}

	id, err := msg.ComputeID()
	if err != nil {
		fmt.Printf("❌ Failed to compute transfer id: %v\n", err)
		os.Exit(1)
	}

	encoding, _ := msg.CanonicalEncoding()
	fmt.Printf("Canonical encoding (%d bytes): 0x%x\n", len(encoding), encoding)
	fmt.Printf("Transfer ID: %s\n", id.Hex())
}
