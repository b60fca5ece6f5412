/*
Package fusionpipe dispatches incoming agent events to the view handlers of
one Fusion view.

Pushes enqueue batches into a bounded FIFO; a single worker drains it and
fans every event to each registered handler. Two counters make the end
signals deterministic: pending batches and in-flight pushes. WaitForDrain
blocks until both reach their target, which is how snapshot-end and
audit-end observe every event that preceded them.

Handlers are fault-isolated: each dispatch runs under a timeout, repeated
failures disable the handler for a recovery interval, and one success resets
its error budget.
*/
package fusionpipe
