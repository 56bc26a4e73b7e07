package passes

import "github.com/marxin/cvise/internal/passproto"

// Factory builds a Pass instance given a pass-group entry's "arg" field,
// mirroring CVise.pass_name_mapping's dict-of-classes plus
// `pass_class(pass_dict.get('arg'), external_programs)`.
type Factory func(arg string) passproto.Pass

// Registry is the built-in name -> Factory table, the Go equivalent of
// CVise.pass_name_mapping. The full upstream reducer recognizes many more
// passes (clang, clex, ternary, unifdef, ...); this engine ships only the
// ones that fit the classic binary-search pass shape (spec §4.3) without
// requiring an external clang_delta binary, since wiring out-of-tree C++
// helpers is outside this module's scope. cmd/cvise resolves pass names
// against this map only.
var Registry = map[string]Factory{
	"lines": func(arg string) passproto.Pass { return NewLines(arg) },
	"blank": func(arg string) passproto.Pass { return NewBlank(arg) },
}
