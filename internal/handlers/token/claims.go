package token

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/casidp/authn/internal/services/authn"
)

// registeredClaims are kept out of principal attributes.
var registeredClaims = map[string]bool{
	"iss": true, "sub": true, "aud": true, "exp": true, "nbf": true, "iat": true, "jti": true,
}

// ExtractGroups handles both flat and nested group claims.
// Supports:
//   - Flat arrays: ["dev-team", "contractors"]
//   - Nested objects: [{"name": "dev-team", "type": "team"}] with claimPath="name"
func ExtractGroups(claims map[string]any, claimField string, claimPath string) ([]string, error) {
	rawValue, ok := claims[claimField]
	if !ok {
		return []string{}, nil
	}

	if groups, ok := rawValue.([]any); ok && claimPath == "" {
		result := make([]string, 0, len(groups))
		for _, g := range groups {
			if str, ok := g.(string); ok {
				result = append(result, str)
			}
		}
		return result, nil
	}

	if claimPath != "" {
		var objects []map[string]any
		if err := mapstructure.Decode(rawValue, &objects); err != nil {
			return nil, fmt.Errorf("failed to decode nested groups: %w", err)
		}
		result := make([]string, 0, len(objects))
		for _, obj := range objects {
			if val, ok := obj[claimPath].(string); ok {
				result = append(result, val)
			}
		}
		return result, nil
	}

	return nil, fmt.Errorf("groups claim invalid format (expected []string or []object with path)")
}

// ExtractClaimString extracts a non-empty string claim.
func ExtractClaimString(claims map[string]any, claimField string) (string, error) {
	rawValue, ok := claims[claimField]
	if !ok {
		return "", fmt.Errorf("claim field %s not found", claimField)
	}

	value, ok := rawValue.(string)
	if !ok {
		return "", fmt.Errorf("claim field %s is not a string", claimField)
	}
	if value == "" {
		return "", fmt.Errorf("claim field %s is empty", claimField)
	}
	return value, nil
}

// claimAttributes turns the private claims into multi-valued attributes.
func claimAttributes(claims map[string]any) authn.Attributes {
	attrs := authn.Attributes{}
	for k, v := range claims {
		if registeredClaims[k] {
			continue
		}
		switch vv := v.(type) {
		case []any:
			attrs[k] = append([]any(nil), vv...)
		case nil:
		default:
			attrs[k] = []any{vv}
		}
	}
	return attrs
}
