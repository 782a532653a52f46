package transport

import (
	"encoding/xml"

	"github.com/pkg/errors"
	"github.com/holocm/tpm2/internal/pkgmeta"
	"github.com/holocm/tpm2/internal/version"
)

// descXML mirrors the desc.xml grammar of spec §6 exactly enough for
// encoding/xml to round-trip it. encoding/xml ignores unknown child
// elements and does not reject a repeated single-valued element, and
// nothing in this package checks for either.
type descXML struct {
	XMLName        xml.Name      `xml:"pkg"`
	FileVersion    string        `xml:"file_version,attr"`
	Name           string        `xml:"name"`
	Arch           string        `xml:"arch"`
	Version        string        `xml:"version"`
	SourceVersion  string        `xml:"source_version"`
	PreDependencies *depListXML  `xml:"pre-dependencies"`
	Dependencies   *depListXML   `xml:"dependencies"`
	Triggers       *triggersXML  `xml:"triggers"`
}

type depListXML struct {
	Deps []depXML `xml:"dep"`
}

type depXML struct {
	Name    string      `xml:"name"`
	Arch    string      `xml:"arch"`
	Constr  *constrXML  `xml:"constr"`
	SConstr *constrXML  `xml:"sconstr"`
}

type constrXML struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type triggersXML struct {
	Interested []string `xml:"interested"`
	Activate   []string `xml:"activate"`
}

var constrTypeToOp = map[string]version.Op{
	"eq": version.OpEQ, "neq": version.OpNE,
	"geq": version.OpGE, "leq": version.OpLE,
	"gt": version.OpGT, "lt": version.OpLT,
}

var opToConstrType = func() map[version.Op]string {
	m := make(map[version.Op]string, len(constrTypeToOp))
	for k, v := range constrTypeToOp {
		m[v] = k
	}
	return m
}()

// ParseDesc parses a desc.xml document into a PackageMetaData. It rejects
// a file_version other than "2.0" and unknown architectures, versions and
// constraint types; unknown or repeated child elements are not rejected.
func ParseDesc(data []byte) (*pkgmeta.PackageMetaData, error) {
	var d descXML
	if err := xml.Unmarshal(data, &d); err != nil {
		return nil, errors.Wrap(err, "transport: parsing desc.xml")
	}
	if d.FileVersion != "2.0" {
		return nil, errors.Errorf("transport: unsupported desc.xml file_version %q", d.FileVersion)
	}

	arch, ok := pkgmeta.ParseArchitecture(d.Arch)
	if !ok {
		return nil, errors.Errorf("transport: unknown architecture %q", d.Arch)
	}
	bv, err := version.Parse(d.Version)
	if err != nil {
		return nil, errors.Wrap(err, "transport: parsing version")
	}
	var sv version.VersionNumber
	if d.SourceVersion != "" {
		sv, err = version.Parse(d.SourceVersion)
		if err != nil {
			return nil, errors.Wrap(err, "transport: parsing source_version")
		}
	} else {
		sv = bv
	}

	md := &pkgmeta.PackageMetaData{
		Name:          d.Name,
		Architecture:  arch,
		Version:       bv,
		SourceVersion: sv,
	}

	if d.PreDependencies != nil {
		md.PreDependencies, err = toDependencies(d.PreDependencies.Deps)
		if err != nil {
			return nil, err
		}
	}
	if d.Dependencies != nil {
		md.Dependencies, err = toDependencies(d.Dependencies.Deps)
		if err != nil {
			return nil, err
		}
	}
	if d.Triggers != nil {
		md.InterestedTriggers = d.Triggers.Interested
		md.ActivatedTriggers = d.Triggers.Activate
	}
	return md, nil
}

func toDependencies(deps []depXML) ([]pkgmeta.Dependency, error) {
	out := make([]pkgmeta.Dependency, len(deps))
	for i, dx := range deps {
		arch, ok := pkgmeta.ParseArchitecture(dx.Arch)
		if !ok {
			return nil, errors.Errorf("transport: unknown dependency architecture %q", dx.Arch)
		}
		f, err := constraintFormula(dx.Constr, dx.SConstr)
		if err != nil {
			return nil, errors.Wrapf(err, "transport: dependency %q", dx.Name)
		}
		out[i] = pkgmeta.Dependency{Name: dx.Name, Arch: arch, Constraint: f}
	}
	return out, nil
}

// constraintFormula folds <constr> (binary) and <sconstr> (source) into a
// single Formula, conjoining both when present.
func constraintFormula(bc, sc *constrXML) (*version.Formula, error) {
	var f *version.Formula
	if bc != nil {
		prim, err := primitiveFromXML(version.TargetBinary, bc)
		if err != nil {
			return nil, err
		}
		f = prim
	}
	if sc != nil {
		prim, err := primitiveFromXML(version.TargetSource, sc)
		if err != nil {
			return nil, err
		}
		if f == nil {
			f = prim
		} else {
			f = version.And(f, prim)
		}
	}
	return f, nil
}

func primitiveFromXML(target version.Target, c *constrXML) (*version.Formula, error) {
	op, ok := constrTypeToOp[c.Type]
	if !ok {
		return nil, errors.Errorf("unknown constraint type %q", c.Type)
	}
	v, err := version.Parse(c.Value)
	if err != nil {
		return nil, err
	}
	return version.Primitive(target, op, v), nil
}

// EncodeDesc renders md back into a desc.xml document.
func EncodeDesc(md *pkgmeta.PackageMetaData) ([]byte, error) {
	d := descXML{
		FileVersion:   "2.0",
		Name:          md.Name,
		Arch:          md.Architecture.String(),
		Version:       md.Version.String(),
		SourceVersion: md.SourceVersion.String(),
	}
	if len(md.PreDependencies) > 0 {
		d.PreDependencies = &depListXML{Deps: fromDependencies(md.PreDependencies)}
	}
	if len(md.Dependencies) > 0 {
		d.Dependencies = &depListXML{Deps: fromDependencies(md.Dependencies)}
	}
	if len(md.InterestedTriggers) > 0 || len(md.ActivatedTriggers) > 0 {
		d.Triggers = &triggersXML{Interested: md.InterestedTriggers, Activate: md.ActivatedTriggers}
	}
	out, err := xml.MarshalIndent(&d, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "transport: encoding desc.xml")
	}
	return out, nil
}

func fromDependencies(deps []pkgmeta.Dependency) []depXML {
	out := make([]depXML, len(deps))
	for i, dep := range deps {
		dx := depXML{Name: dep.Name, Arch: dep.Arch.String()}
		if dep.Constraint != nil {
			splitConstraintXML(dep.Constraint, &dx)
		}
		out[i] = dx
	}
	return out
}

// splitConstraintXML recovers <constr>/<sconstr> from a Formula built by
// constraintFormula: a lone Primitive, or an And of exactly two
// Primitives with distinct targets.
func splitConstraintXML(f *version.Formula, dx *depXML) {
	switch f.Kind {
	case version.KindPrimitive:
		set(dx, f)
	case version.KindAnd:
		if f.Left != nil {
			set(dx, f.Left)
		}
		if f.Right != nil {
			set(dx, f.Right)
		}
	}
}

func set(dx *depXML, f *version.Formula) {
	cx := &constrXML{Type: opToConstrType[f.Op], Value: f.Ver.String()}
	if f.Target == version.TargetBinary {
		dx.Constr = cx
	} else {
		dx.SConstr = cx
	}
}
