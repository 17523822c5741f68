// Package stage places build artifacts (shared libraries, generated
// sources) into the directory the runtime searches when the tests load the
// binding package.
package stage
