/*
Package log wraps zerolog to give every Fabric component a structured,
component-tagged logger.

The global Logger is configured once via Init, from cmd/fabric's root
command using its --log-level and --log-json flags. Components pull
a child logger via WithComponent and attach further request-scoped
fields as they go, either through WithProcedure or by calling With()
directly for a field no helper covers yet:

	logger := log.WithComponent("lifecycle").With().
		Str("procedure_id", proc.ID).Logger()
	logger.Info().Int64("shard_id", shard.ShardID).Msg("move_shard: locking shard")

JSON output is used in production; console output (human-readable,
colorized) is meant for local development. Never log server credentials
or metadata store contents — only ids and state transitions.
*/
package log
