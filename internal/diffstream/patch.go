package diffstream

import (
	"encoding/json"

	"github.com/orchestrate-dev/orchestrator/internal/normalizer"
)

// diffPath builds the JSON-Pointer path for a diff entry, mirroring
// internal/normalizer's own /diffs/<esc_path> convention so both packages'
// patch documents address the same path space.
func diffPath(path string) string {
	return "/diffs/" + jsonPointerEscape(path)
}

// jsonPointerEscape escapes a raw path for use as a JSON Pointer token,
// per RFC 6901 (~ -> ~0, / -> ~1).
func jsonPointerEscape(path string) string {
	out := make([]byte, 0, len(path))
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '~':
			out = append(out, '~', '0')
		case '/':
			out = append(out, '~', '1')
		default:
			out = append(out, path[i])
		}
	}
	return string(out)
}

func marshalOp(op normalizer.PatchOp) ([]byte, error) {
	return json.Marshal([]normalizer.PatchOp{op})
}
