// Package buildsys implements the task runner behind sitepipe. Tasks are declared in Starlark and their bodies
// mix built-in file steps (copy, bundle, inject, ...) with shell commands that are run by mvdan.cc/sh.
// Dependencies of a task run concurrently and every task runs at most once per Session.Run call.
package buildsys
