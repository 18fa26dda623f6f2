// Package packs provides the procedure registry behind the gateway's tool catalogue.
//
// # Overview
//
// A procedure is a tool executed inside the relay: a name, a description, an
// input schema and an executor. Procedures are registered in packs so a group
// of related tools can be added or removed together.
//
// # Architecture
//
//   - Registry: tracks packs and procedures, rejecting name collisions
//   - Router: validates arguments and runs the procedure with a timeout
//   - NewProcedure: builds a procedure from a typed argument struct
//
// # Typed procedures
//
// NewProcedure reflects the input schema from the argument type with
// invopop/jsonschema and decodes arguments strictly, so unknown fields and
// type mismatches are reported as ErrInvalidArguments:
//
//	type echoArgs struct {
//		Text string `json:"text" jsonschema:"description=Text to echo"`
//	}
//
//	echo := packs.NewProcedure("echo", "Echo text back",
//		func(ctx context.Context, a echoArgs) (any, error) { return a.Text, nil })
//
//	registry := packs.NewRegistry(logger)
//	_ = registry.Register("builtin:base", echo)
//
// Execute a tool:
//
//	router := packs.NewRouter(packs.RouterConfig{Registry: registry})
//	result, err := router.Execute(ctx, "echo", json.RawMessage(`{"text":"hi"}`))
package packs
