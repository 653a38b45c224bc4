// Package audit bridges orchestration lifecycle events to an audit
// trail. It registers as a hook extension and emits one structured
// audit event per job or robot transition through a pluggable
// [Recorder], so compliance trails survive independently of metrics
// and debug logging.
package audit
