// Package identity normalizes heterogeneous user identifiers into the
// canonical model.UserID.
package identity

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/nhle/classroom-messaging/internal/apperr"
	"github.com/nhle/classroom-messaging/internal/model"
)

const op = "identity.Resolve"

// Resolve converts raw into a UserID. It accepts integer kinds, decimal
// strings (surrounding whitespace ignored), integral float64 values as
// produced by JSON decoding, json.Number, and model.UserID itself.
// IDs must be positive.
func Resolve(raw any) (model.UserID, error) {
	var (
		n   int64
		err error
	)

	switch v := raw.(type) {
	case nil:
		return 0, apperr.Errorf(apperr.InvalidArgument, op, "missing user id")
	case model.UserID:
		n = int64(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, apperr.Errorf(apperr.InvalidArgument, op, "empty user id")
		}
		// Base 10 only: "010" is ten, "0x10" is rejected.
		n, err = strconv.ParseInt(s, 10, 64)
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, apperr.Errorf(apperr.InvalidArgument, op, "user id %v is not an integer", v)
		}
		n = int64(v)
	case float32:
		return Resolve(float64(v))
	case json.Number:
		n, err = v.Int64()
	default:
		n, err = cast.ToInt64E(v)
	}

	if err != nil {
		return 0, apperr.E(apperr.InvalidArgument, op, fmt.Errorf("user id %v: %w", raw, err))
	}
	if n <= 0 {
		return 0, apperr.Errorf(apperr.InvalidArgument, op, "user id %v must be positive", raw)
	}

	return model.UserID(n), nil
}

// ResolveAll resolves every element of raws, failing on the first invalid one.
func ResolveAll(raws []any) ([]model.UserID, error) {
	ids := make([]model.UserID, 0, len(raws))
	for _, r := range raws {
		id, err := Resolve(r)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
