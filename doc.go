/*
Package preloader commits a directory of binary code modules into a host environment,
after patching them with transforms found in extension binaries.

# Run

 1. The registry is filled: the built-in entry-point injector first, then the transforms
    of every extension binary under the extension directory in lexical order, then the
    patchers given with [WithPatchers].
 2. Initializer hooks run.
 3. Candidate modules are read from the module directory. Protected modules and the
    modules the host already has are never read.
 4. Candidates are ordered so that dependencies come first, cycles are broken with a warning.
 5. Each transform is applied to its targets, in registration order.
 6. Modified modules are dumped when enabled, then every module is loaded into the host.
 7. Finalizer hooks run, even after a failure, then extension libraries are released.

A failure in any step but discovery aborts the run. It is logged and written to a
post-mortem file under the root directory. The embedding process keeps running.

# Extensions

Extensions are relocatable Go objects linked at runtime with [goloader], see package extension.
An extension is a main package exporting

	func Patchers() []any

whose values implement patch.Targeter plus patch.Patcher or patch.InPlacePatcher.
The cli tool compiles extensions:

	preloader compile patchers.go

[goloader]: https://github.com/pkujhd/goloader
*/
package preloader
