// Package mcp serves the verdict kernel to MCP clients.
//
// Tools map one-to-one onto kernel operations:
//
//	signal_route        route a signal through the confidence gate
//	audit_list_pending  list audits awaiting review
//	audit_submit        resolve an audit with a verdict or correction
//	analysis_run        run a meta-learning pass over the ledger
//	adjustment_list     list proposed baseline adjustments
//	adjustment_decide   approve, reject or modify an adjustment
//	epitaph_record      record a lesson from a failed decision
//	chorus_compose      voice relevant epitaphs for a decision context
//	escalation_list     list escalation signals
//
// tool_search and tool_list let clients discover tools without loading
// every definition. Repeated submissions and decisions answer with
// already_done rather than an error.
package mcp
