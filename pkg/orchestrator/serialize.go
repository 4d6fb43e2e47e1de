package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// DeliveryPayload is the ABI-encoded (input, output, proof) triple the
// processor hands to the coordinator's deliverCompute call.
type DeliveryPayload struct {
	Input  []byte
	Output []byte
	Proof  []byte
}

var (
	bytesTy, _ = abi.NewType("bytes", "", nil)
	stringTy, _ = abi.NewType("string", "", nil)
)

// SerializeOutput applies the five-key rule: if the last
// container's output carries all five of raw_input, processed_input,
// raw_output, processed_output, proof, it is already proof-shaped and is
// ABI-encoded directly; otherwise the whole output is JSON-stringified and
// carried as processed_output with empty input/proof.
func SerializeOutput(output interface{}) (DeliveryPayload, error) {
	m, ok := output.(map[string]interface{})
	if !ok || !hasAllFiveKeys(m) {
		return serializeOpaque(output)
	}

	rawInput, err := coerceBytes(m["raw_input"])
	if err != nil {
		return DeliveryPayload{}, fmt.Errorf("orchestrator: raw_input: %w", err)
	}
	processedInput, err := coerceBytes(m["processed_input"])
	if err != nil {
		return DeliveryPayload{}, fmt.Errorf("orchestrator: processed_input: %w", err)
	}
	rawOutput, err := coerceBytes(m["raw_output"])
	if err != nil {
		return DeliveryPayload{}, fmt.Errorf("orchestrator: raw_output: %w", err)
	}
	processedOutput, err := coerceBytes(m["processed_output"])
	if err != nil {
		return DeliveryPayload{}, fmt.Errorf("orchestrator: processed_output: %w", err)
	}
	proof, err := coerceBytes(m["proof"])
	if err != nil {
		return DeliveryPayload{}, fmt.Errorf("orchestrator: proof: %w", err)
	}

	input, err := packBytesPair(rawInput, processedInput)
	if err != nil {
		return DeliveryPayload{}, err
	}
	out, err := packBytesPair(rawOutput, processedOutput)
	if err != nil {
		return DeliveryPayload{}, err
	}
	return DeliveryPayload{Input: input, Output: out, Proof: proof}, nil
}

func hasAllFiveKeys(m map[string]interface{}) bool {
	for _, k := range []string{"raw_input", "processed_input", "raw_output", "processed_output", "proof"} {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

func coerceBytes(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	case nil:
		return []byte{}, nil
	default:
		return json.Marshal(t)
	}
}

func packBytesPair(a, b []byte) ([]byte, error) {
	args := abi.Arguments{{Type: bytesTy}, {Type: bytesTy}}
	return args.Pack(a, b)
}

// serializeOpaque emits (0x, abiEncode(string, json(output)), 0x) for any
// output shape that doesn't carry the proof five-key structure.
func serializeOpaque(output interface{}) (DeliveryPayload, error) {
	raw, err := json.Marshal(output)
	if err != nil {
		return DeliveryPayload{}, fmt.Errorf("orchestrator: marshal opaque output: %w", err)
	}
	args := abi.Arguments{{Type: stringTy}}
	packed, err := args.Pack(string(raw))
	if err != nil {
		return DeliveryPayload{}, fmt.Errorf("orchestrator: pack opaque output: %w", err)
	}
	return DeliveryPayload{Input: []byte{}, Output: packed, Proof: []byte{}}, nil
}
