package ledger

import (
	"bytes"
	"fmt"
	"math/big"
	"os"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/witness"
)

// ProofVerifier is the external verification capability. The ledger treats
// the proof as opaque bytes and the public inputs as an ordered sequence of
// field elements; circuit design and trusted setup live outside this
// repository.
type ProofVerifier interface {
	Verify(proof []byte, publicInputs [][]byte) (bool, error)
}

// Groth16Verifier verifies BN254 Groth16 proofs against a verifying key
// produced by the external circuit setup.
type Groth16Verifier struct {
	vk groth16.VerifyingKey
}

// NewGroth16Verifier loads the verifying key from disk.
func NewGroth16Verifier(vkPath string) (*Groth16Verifier, error) {
	raw, err := os.ReadFile(vkPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read verifying key %s: %w", vkPath, err)
	}

	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to decode verifying key: %w", err)
	}
	return &Groth16Verifier{vk: vk}, nil
}

// NewGroth16VerifierFromKey wraps an already-loaded verifying key.
func NewGroth16VerifierFromKey(vk groth16.VerifyingKey) *Groth16Verifier {
	return &Groth16Verifier{vk: vk}
}

// Verify decodes the proof, builds a public-only witness from the input
// words, and runs the pairing check. A mismatched proof returns
// (false, nil); malformed input returns (false, err).
func (v *Groth16Verifier) Verify(proofBytes []byte, publicInputs [][]byte) (bool, error) {
	if len(proofBytes) == 0 {
		return false, fmt.Errorf("empty proof")
	}

	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
		return false, fmt.Errorf("failed to decode proof: %w", err)
	}

	pub, err := publicWitness(publicInputs)
	if err != nil {
		return false, err
	}

	if err := groth16.Verify(proof, v.vk, pub); err != nil {
		return false, nil
	}
	return true, nil
}

// publicWitness assembles the ordered public inputs into a gnark witness.
func publicWitness(publicInputs [][]byte) (witness.Witness, error) {
	w, err := witness.New(ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("failed to allocate witness: %w", err)
	}

	values := make(chan any, len(publicInputs))
	for i, word := range publicInputs {
		if len(word) == 0 || len(word) > 32 {
			return nil, fmt.Errorf("public input %d must be 1..32 bytes, got %d", i, len(word))
		}
		values <- new(big.Int).SetBytes(word)
	}
	close(values)

	if err := w.Fill(len(publicInputs), 0, values); err != nil {
		return nil, fmt.Errorf("failed to fill public witness: %w", err)
	}
	return w, nil
}
