// Package performer implements the planner, executor and critic on top of a
// language model.
//
// Each performer turns its request into a single prompt, sends it through a
// Completer and parses the reply. Unusable replies are reported as content
// failures in the result so the supervisor can retry the step; Completer
// errors are returned unchanged and abort the run.
package performer
