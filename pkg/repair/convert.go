package repair

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// safetensors dtype tags used by the repairer.
const (
	DTypeFP8E4M3 = "F8_E4M3"
	DTypeBF16    = "BF16"
	DTypeF16     = "F16"
)

// NormalizeDType maps user-facing dtype spellings to the safetensors tag.
func NormalizeDType(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bf16", "bfloat16":
		return DTypeBF16, nil
	case "f16", "fp16", "float16":
		return DTypeF16, nil
	default:
		return "", fmt.Errorf("repair: unsupported target dtype %q (use bf16|f16)", s)
	}
}

// fp8E4M3ToFloat32 decodes one FP8 E4M3 (fn variant: no infinities, 0x7F/0xFF
// are NaN) element. Exponent bias 7, 3 mantissa bits.
func fp8E4M3ToFloat32(b byte) float32 {
	sign := float32(1)
	if b&0x80 != 0 {
		sign = -1
	}
	exp := int(b>>3) & 0xF
	man := int(b) & 0x7

	if exp == 0xF && man == 0x7 {
		return float32(math.NaN())
	}
	if exp == 0 {
		// subnormal: man * 2^-9
		return sign * float32(math.Ldexp(float64(man), -9))
	}
	return sign * float32(math.Ldexp(float64(8+man), exp-10))
}

// convertFP8 re-encodes FP8 E4M3 bytes as the target floating type. Every
// E4M3 value is exactly representable in both f16 and bf16, so the upcast is
// value-preserving, not a bit reinterpretation.
func convertFP8(raw []byte, target string) ([]byte, error) {
	out := make([]byte, 2*len(raw))
	switch target {
	case DTypeBF16:
		for i, b := range raw {
			v := bfloat16.FromFloat32(fp8E4M3ToFloat32(b))
			binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(v))
		}
	case DTypeF16:
		for i, b := range raw {
			v := float16.Fromfloat32(fp8E4M3ToFloat32(b))
			binary.LittleEndian.PutUint16(out[i*2:i*2+2], v.Bits())
		}
	default:
		return nil, fmt.Errorf("repair: unsupported target dtype %q", target)
	}
	return out, nil
}
