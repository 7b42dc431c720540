package part

// Compact applies the persistence rules to a batch of parts before it is
// written as a delta:
//
//   - tool-input-delta parts are dropped entirely,
//   - provider metadata is stripped from every part,
//   - adjacent text-delta or reasoning-delta parts sharing the same id are
//     joined by concatenating their delta strings.
//
// Unknown part types pass through with only their metadata stripped. The input
// slice is not mutated.
func Compact(parts []Part) []Part {
	if len(parts) == 0 {
		return nil
	}
	out := make([]Part, 0, len(parts))
	for _, p := range parts {
		if p.Type == TypeToolInputDelta {
			continue
		}
		p = p.Clone()
		p.ProviderMetadata = nil
		if n := len(out); n > 0 && joinable(out[n-1], p) {
			out[n-1].Delta += p.Delta
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func joinable(a, b Part) bool {
	return a.Type == b.Type && a.Incremental() && a.ID == b.ID
}
