package anthropic

// BuildCachedSystemBlocks wraps a static system prompt in a single block
// with an ephemeral cache breakpoint, so repeated extractions in one run
// reuse the cached prefix.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{TTL: "5m"},
		},
	}
}
