// Package rowmap is a small data-access layer that runs SQL commands and maps their rows into typed values. A Command describes the SQL text and the parameters pulled from a filter value; a Processor executes it through an Executor, resolves the returned columns against the result type's property aliases once per schema, and reuses a compiled Materializer for every row. Materializers and, on request, whole result sets live in an Execution Cache with Permanent, TimeSpan or RepeatedRequestLimit expiration.

package rowmap
