package container

// EnvAlias renames one well-known host credential for a plugin. The host
// keeps its own variable names; plugins expect the conventional ones.
type EnvAlias struct {
	Host   string
	Plugin string
}

// credentialAliases is the fixed rename table applied when launching a
// plugin. Only aliases whose host variable is actually set are passed.
var credentialAliases = []EnvAlias{
	{Host: "LLM_API_KEY", Plugin: "OPENAI_API_KEY"},
	{Host: "LLM_API_URL", Plugin: "OPENAI_BASE_URL"},
	{Host: "EMBEDDING_API_URL", Plugin: "EMBEDDING_BASE_URL"},
	{Host: "QDRANT_HOST", Plugin: "QDRANT_URL"},
	{Host: "POSTGRES_USER", Plugin: "PGUSER"},
	{Host: "POSTGRES_PASSWORD", Plugin: "PGPASSWORD"},
}

// MergeEnv resolves the credential alias table through lookup (normally
// os.LookupEnv) and overlays the caller-supplied entries. Caller entries
// win on key conflict.
func MergeEnv(lookup func(string) (string, bool), caller map[string]string) map[string]string {
	merged := make(map[string]string, len(credentialAliases)+len(caller))

	for _, alias := range credentialAliases {
		if value, ok := lookup(alias.Host); ok {
			merged[alias.Plugin] = value
		}
	}

	for k, v := range caller {
		merged[k] = v
	}

	return merged
}
