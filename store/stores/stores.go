// Package stores imports all built-in durable log backends for
// auto-registration with store.DefaultRegistry.
package stores

import (
	// Import all backends for side-effect registration
	_ "github.com/Twisside/PAD-breaker/store/file"
	_ "github.com/Twisside/PAD-breaker/store/memory"
	_ "github.com/Twisside/PAD-breaker/store/postgres"
	_ "github.com/Twisside/PAD-breaker/store/sqlite"
)
