// Package assets implements the file operations behind the build steps: resolving glob patterns, copying,
// bundling, minifying, injecting references into HTML pages, precompressing and packaging.
package assets
