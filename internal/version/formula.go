package version

import (
	"strings"

	"github.com/pkg/errors"
)

// Target names which version of a package a Primitive predicate tests.
type Target int

const (
	TargetSource Target = iota
	TargetBinary
)

func (t Target) String() string {
	if t == TargetSource {
		return "s"
	}
	return "b"
}

// Op is a comparison operator used by a Primitive predicate.
type Op int

const (
	OpEQ Op = iota
	OpNE
	OpGE
	OpLE
	OpGT
	OpLT
)

var opStrings = map[Op]string{
	OpEQ: "==", OpNE: "!=", OpGE: ">=", OpLE: "<=", OpGT: ">", OpLT: "<",
}

var stringOps = map[string]Op{
	"==": OpEQ, "!=": OpNE, ">=": OpGE, "<=": OpLE, ">": OpGT, "<": OpLT,
}

func (o Op) String() string { return opStrings[o] }

// eval applies o to the comparison result c (as returned by
// VersionNumber.Compare).
func (o Op) eval(c int) bool {
	switch o {
	case OpEQ:
		return c == 0
	case OpNE:
		return c != 0
	case OpGE:
		return c >= 0
	case OpLE:
		return c <= 0
	case OpGT:
		return c > 0
	case OpLT:
		return c < 0
	}
	return false
}

// Kind discriminates the sum type of a Formula node.
type Kind int

const (
	KindPrimitive Kind = iota
	KindAnd
	KindOr
)

// Formula is the constraint-formula sum type: a Primitive predicate, an
// And of (possibly absent) sub-formulas, or an Or of (possibly absent)
// sub-formulas. A nil *Formula child is the neutral element: true under
// And, false under Or.
type Formula struct {
	Kind Kind

	// Primitive fields.
	Target Target
	Op     Op
	Ver    VersionNumber

	// And/Or fields. Either may be nil.
	Left  *Formula
	Right *Formula
}

// Primitive builds a leaf constraint.
func Primitive(target Target, op Op, v VersionNumber) *Formula {
	return &Formula{Kind: KindPrimitive, Target: target, Op: op, Ver: v}
}

// And builds a conjunction; either child may be nil, denoting true.
func And(left, right *Formula) *Formula {
	return &Formula{Kind: KindAnd, Left: left, Right: right}
}

// Or builds a disjunction; either child may be nil, denoting false.
func Or(left, right *Formula) *Formula {
	return &Formula{Kind: KindOr, Left: left, Right: right}
}

// Satisfies evaluates the formula against a candidate package's source and
// binary version numbers, using short-circuit semantics for the neutral
// elements: And(nil, nil) is true, Or(nil, nil) is false.
func (f *Formula) Satisfies(sv, bv VersionNumber) bool {
	if f == nil {
		// A caller holding a nil *Formula directly (as opposed to one
		// wrapped as a Left/Right child) has no constraint at all.
		return true
	}
	switch f.Kind {
	case KindPrimitive:
		var v VersionNumber
		if f.Target == TargetSource {
			v = sv
		} else {
			v = bv
		}
		return f.Op.eval(v.Compare(f.Ver))
	case KindAnd:
		switch {
		case f.Left == nil && f.Right == nil:
			return true
		case f.Left == nil:
			return f.Right.Satisfies(sv, bv)
		case f.Right == nil:
			return f.Left.Satisfies(sv, bv)
		default:
			return f.Left.Satisfies(sv, bv) && f.Right.Satisfies(sv, bv)
		}
	case KindOr:
		switch {
		case f.Left == nil && f.Right == nil:
			return false
		case f.Left == nil:
			return f.Right.Satisfies(sv, bv)
		case f.Right == nil:
			return f.Left.Satisfies(sv, bv)
		default:
			return f.Left.Satisfies(sv, bv) || f.Right.Satisfies(sv, bv)
		}
	}
	return false
}

// String renders the canonical parenthesized form.
func (f *Formula) String() string {
	if f == nil {
		return "()"
	}
	switch f.Kind {
	case KindPrimitive:
		return "(" + f.Op.String() + f.Target.String() + ":" + f.Ver.String() + ")"
	case KindAnd:
		return "(&" + f.Left.String() + f.Right.String() + ")"
	case KindOr:
		return "(|" + f.Left.String() + f.Right.String() + ")"
	}
	return "()"
}

// ParseFormula parses the `(&<f><f>)` / `(|<f><f>)` / `(<op><target>:<ver>)`
// grammar described in spec §4.1. format(parse(s)) == s for any well-formed
// s; missing sub-formulas must be spelled "()".
func ParseFormula(s string) (*Formula, error) {
	p := &formulaParser{s: s}
	f, err := p.parse()
	if err != nil {
		return nil, errors.Wrapf(err, "formula %q", s)
	}
	if p.pos != len(s) {
		return nil, errors.Errorf("formula %q: trailing data at offset %d", s, p.pos)
	}
	return f, nil
}

type formulaParser struct {
	s   string
	pos int
}

func (p *formulaParser) parse() (*Formula, error) {
	if p.pos >= len(p.s) || p.s[p.pos] != '(' {
		return nil, errors.Errorf("expected '(' at offset %d", p.pos)
	}
	p.pos++ // consume '('

	if p.pos < len(p.s) && p.s[p.pos] == ')' {
		p.pos++
		return nil, nil
	}

	if p.pos >= len(p.s) {
		return nil, errors.New("unexpected end of input")
	}

	switch p.s[p.pos] {
	case '&', '|':
		kind := KindAnd
		if p.s[p.pos] == '|' {
			kind = KindOr
		}
		p.pos++
		left, err := p.parse()
		if err != nil {
			return nil, err
		}
		right, err := p.parse()
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return &Formula{Kind: kind, Left: left, Right: right}, nil
	default:
		return p.parsePrimitive()
	}
}

func (p *formulaParser) parsePrimitive() (*Formula, error) {
	op, ok := matchOp(p.s[p.pos:])
	if !ok {
		return nil, errors.Errorf("expected operator at offset %d", p.pos)
	}
	p.pos += len(op.String())

	if p.pos >= len(p.s) {
		return nil, errors.New("unexpected end of input in primitive")
	}
	var target Target
	switch p.s[p.pos] {
	case 's':
		target = TargetSource
	case 'b':
		target = TargetBinary
	default:
		return nil, errors.Errorf("unknown target %q at offset %d", p.s[p.pos], p.pos)
	}
	p.pos++

	if err := p.expect(':'); err != nil {
		return nil, err
	}

	start := p.pos
	for p.pos < len(p.s) && p.s[p.pos] != ')' {
		p.pos++
	}
	verStr := p.s[start:p.pos]
	ver, err := Parse(verStr)
	if err != nil {
		return nil, err
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return Primitive(target, op, ver), nil
}

func (p *formulaParser) expect(c byte) error {
	if p.pos >= len(p.s) || p.s[p.pos] != c {
		return errors.Errorf("expected %q at offset %d", c, p.pos)
	}
	p.pos++
	return nil
}

func matchOp(s string) (Op, bool) {
	// Longest match first so ">=" isn't mistaken for ">".
	for _, cand := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if strings.HasPrefix(s, cand) {
			return stringOps[cand], true
		}
	}
	return 0, false
}
