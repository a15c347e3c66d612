// Package transports imports every built-in stream transport so that each one
// registers itself with transport.DefaultRegistry.
package transports

import (
	_ "github.com/Twisside/PAD-breaker/transport/channel"
	_ "github.com/Twisside/PAD-breaker/transport/http"
	_ "github.com/Twisside/PAD-breaker/transport/kafka"
	_ "github.com/Twisside/PAD-breaker/transport/nats"
	_ "github.com/Twisside/PAD-breaker/transport/rabbitmq"
)
