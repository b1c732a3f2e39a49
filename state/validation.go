package state

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"slices"

	"github.com/go-playground/validator/v10"
)

var namePattern, _ = regexp.Compile("^[0-9a-z._-]+$")

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("nodename", func(fl validator.FieldLevel) bool {
		return NameValidator(fl.Field().String()) == nil
	})
}

func NameValidator(s string) error {
	if !namePattern.MatchString(s) {
		return fmt.Errorf("%s is not a valid name, must match pattern %s", s, namePattern.String())
	}
	if len(s) > 100 {
		return fmt.Errorf("len(\"%s\") = %d > 100 is too long", s, len(s))
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	for _, e := range verrs {
		switch e.Tag() {
		case "required":
			return fmt.Errorf("%s: field is required", e.Namespace())
		case "min", "gte":
			return fmt.Errorf("%s: must be at least %s", e.Namespace(), e.Param())
		case "max", "lte":
			return fmt.Errorf("%s: must not exceed %s", e.Namespace(), e.Param())
		case "nodename":
			return fmt.Errorf("%s: %w", e.Namespace(), NameValidator(fmt.Sprint(e.Value())))
		default:
			return fmt.Errorf("%s: validation failed (%s)", e.Namespace(), e.Tag())
		}
	}
	return err
}

// ChangeConfigValidator checks a scripted change against the node set.
func ChangeConfigValidator(c *ChangeCfg, nodes []NodeId) error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	if !slices.Contains(nodes, c.Node) {
		return fmt.Errorf("%w: change on %s", ErrUnknownNode, c.Node)
	}
	if c.Kind == "leak" && (!c.From.Valid() || c.From == c.Level) {
		return fmt.Errorf("leak of %s has no valid level pair (%s -> %s)", c.Prefix, c.From, c.Level)
	}
	_, err := c.Advert()
	return err
}

func TopologyConfigValidator(cfg *TopologyCfg) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	ids := make([]NodeId, 0, len(cfg.Nodes))
	routerIds := make(map[netip.Addr]NodeId)
	for _, n := range cfg.Nodes {
		if slices.Contains(ids, n.Id) {
			return fmt.Errorf("%w: %s", ErrDuplicateNode, n.Id)
		}
		ids = append(ids, n.Id)
		if n.RouterId.IsValid() {
			if other, ok := routerIds[n.RouterId]; ok {
				return fmt.Errorf("router id %s used by both %s and %s", n.RouterId, other, n.Id)
			}
			routerIds[n.RouterId] = n.Id
		}
		type key struct {
			p netip.Prefix
			l Level
		}
		seen := make(map[key]struct{})
		for _, p := range n.Prefixes {
			if !p.Prefix.IsValid() {
				return fmt.Errorf("node %s exports an invalid prefix", n.Id)
			}
			k := key{p.Prefix.Masked(), p.Level}
			if _, ok := seen[k]; ok {
				return fmt.Errorf("%w: %s exported twice by %s at %s", ErrDuplicatePrefix, k.p, n.Id, p.Level)
			}
			seen[k] = struct{}{}
			if slices.Contains(n.Pseudonode, p.Level) {
				return fmt.Errorf("pseudonode %s cannot export %s", n.Id, p.Prefix)
			}
			if p.Sid != nil && n.Spring == nil {
				return fmt.Errorf("node %s assigns a sid to %s without spring", n.Id, p.Prefix)
			}
		}
	}
	if cfg.Root != "" && !slices.Contains(ids, cfg.Root) {
		return fmt.Errorf("%w: root %s", ErrUnknownNode, cfg.Root)
	}

	links := make([]Pair[NodeId, NodeId], 0, len(cfg.Links))
	for _, l := range cfg.Links {
		for _, id := range []NodeId{l.A, l.B} {
			if !slices.Contains(ids, id) {
				return fmt.Errorf("node %s not defined", id)
			}
		}
		// parallel links need both ends named
		p := MakeSortedPair(l.A, l.B)
		if slices.Contains(links, p) && (l.AIf == "" || l.BIf == "") {
			return fmt.Errorf("duplicate link found: %s, %s", l.A, l.B)
		}
		links = append(links, p)
		if l.AAddr.IsValid() != l.BAddr.IsValid() {
			return fmt.Errorf("link %s-%s must address both ends or none", l.A, l.B)
		}
		if l.AAddr.IsValid() && l.AAddr.Masked() != l.BAddr.Masked() {
			return fmt.Errorf("link %s-%s ends are on different subnets", l.A, l.B)
		}
		for _, m := range []*uint32{l.L1Metric, l.L2Metric} {
			if m == nil {
				continue
			}
			if *m == 0 {
				return fmt.Errorf("link %s-%s metric must be at least 1", l.A, l.B)
			}
			if *m > MaxLinkMetric {
				return fmt.Errorf("link %s-%s metric %d exceeds %d", l.A, l.B, *m, MaxLinkMetric)
			}
		}
	}

	for _, lsp := range cfg.Lsps {
		idx := slices.IndexFunc(cfg.Nodes, func(n NodeCfg) bool { return n.Id == lsp.Head })
		if idx == -1 {
			return fmt.Errorf("%w: lsp head %s", ErrUnknownNode, lsp.Head)
		}
		if !cfg.Nodes[idx].Rsvp.Enabled {
			return fmt.Errorf("lsp %s: rsvp is not enabled on %s", lsp.Name, lsp.Head)
		}
		if _, ok := routerIds[lsp.Tail]; !ok {
			return fmt.Errorf("lsp %s: no router with id %s", lsp.Name, lsp.Tail)
		}
	}

	for _, sr := range cfg.StaticRoutes {
		if !slices.Contains(ids, sr.Node) {
			return fmt.Errorf("%w: static route on %s", ErrUnknownNode, sr.Node)
		}
		if !sr.Prefix.IsValid() {
			return fmt.Errorf("static route on %s has no prefix", sr.Node)
		}
		if !sr.Gateway.IsValid() && sr.Interface == "" {
			return fmt.Errorf("static route %s on %s needs a gateway or an interface", sr.Prefix, sr.Node)
		}
	}

	for i := range cfg.Changes {
		if err := ChangeConfigValidator(&cfg.Changes[i], ids); err != nil {
			return fmt.Errorf("change %d: %w", i, err)
		}
	}
	return nil
}
