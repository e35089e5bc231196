package llm

// ProviderExecutionPolicy carries per-provider request shaping that the
// adapters apply uniformly rather than each hand-rolling it. "kimi" forces the
// streaming transport with a 16000-token max_tokens floor; every other
// provider gets an empty policy. It is the seam the adapters call into (spec §6 reserves provider-specific execution quirks here rather
// than scattering special cases through each adapter).
type ProviderExecutionPolicy struct {
	ForceStream  bool
	MinMaxTokens int
	Reason       string
}

func ExecutionPolicy(provider string) ProviderExecutionPolicy {
	switch CanonicalProviderName(provider) {
	case "kimi":
		return ProviderExecutionPolicy{
			ForceStream:  true,
			MinMaxTokens: 16000,
			Reason:       "kimi requires stream=true and max_tokens>=16000",
		}
	default:
		return ProviderExecutionPolicy{}
	}
}

// ApplyExecutionPolicy raises req.MaxTokens to the policy's floor, leaving it
// untouched if the request already meets or exceeds it.
func ApplyExecutionPolicy(req Request, policy ProviderExecutionPolicy) Request {
	if policy.MinMaxTokens <= 0 {
		return req
	}
	current := 0
	if req.MaxTokens != nil {
		current = *req.MaxTokens
	}
	if current >= policy.MinMaxTokens {
		return req
	}
	v := policy.MinMaxTokens
	req.MaxTokens = &v
	return req
}
