package state

import (
	"fmt"
	"slices"
	"strings"
)

/*
ParseGraph expands the adjacency shorthand of a topology file into node pairs.

	core = p1, p2, p3   // group definition
	edge = pe1, pe2
	core, core          // full mesh within a group
	core, edge, rr      // every member of a symbol is linked to every member of the others

Groups may reference other groups. Symbols are matched case-insensitively against the node names.
*/
func ParseGraph(graph []string, nodes []string) ([]Pair[NodeId, NodeId], error) {
	symbols := slices.Clone(nodes)
	groupDefs := make(map[string][]string)
	lines := make([][]string, 0)

	// collect group names first so they can be referenced before their definition
	for _, line := range graph {
		line = normaliseGraphLine(line)
		if line == "" || !strings.Contains(line, "=") {
			continue
		}
		spl := strings.Split(line, "=")
		if len(spl) != 2 {
			return nil, fmt.Errorf("invalid graph: %s. group definition must contain one '='", line)
		}
		grp := strings.TrimSpace(spl[0])
		if slices.Contains(nodes, grp) {
			return nil, fmt.Errorf("group name must not be a node name: %s", grp)
		}
		symbols = append(symbols, grp)
	}
	slices.Sort(symbols)
	symbols = slices.Compact(symbols)

	seen := 0
	for _, line := range graph {
		line = normaliseGraphLine(line)
		if line == "" {
			continue
		}
		seen++
		if strings.Contains(line, "=") {
			spl := strings.Split(line, "=")
			grp := strings.TrimSpace(spl[0])
			if _, ok := groupDefs[grp]; ok {
				return nil, fmt.Errorf("duplicate group name: %s", grp)
			}
			lst, err := parseSymbolList(spl[1], symbols)
			if err != nil {
				return nil, err
			}
			groupDefs[grp] = lst
			continue
		}
		names, err := parseSymbolList(line, symbols)
		if err != nil {
			return nil, err
		}
		if len(names) < 2 {
			return nil, fmt.Errorf("invalid pairing, %v", names)
		}
		lines = append(lines, names)
	}

	if seen == 0 {
		return nil, fmt.Errorf(`node/group list must not be empty`)
	}

	expansion, err := expandGroups(groupDefs, nodes)
	if err != nil {
		return nil, err
	}
	members := func(sym string) []string {
		if slices.Contains(nodes, sym) {
			return []string{sym}
		}
		return expansion[sym]
	}

	pairings := make([]Pair[NodeId, NodeId], 0)
	for _, names := range lines {
		// a symbol paired with itself meshes its members
		for i := range names {
			for j := i + 1; j < len(names); j++ {
				for _, x := range members(names[i]) {
					for _, y := range members(names[j]) {
						if x != y {
							pairings = append(pairings, MakeSortedPair(NodeId(x), NodeId(y)))
						}
					}
				}
			}
		}
	}
	SortPairs(pairings)
	return slices.Compact(pairings), nil
}

func normaliseGraphLine(line string) string {
	if idx := strings.Index(line, "//"); idx != -1 {
		line = line[:idx]
	}
	return strings.ToLower(strings.TrimSpace(line))
}

func parseSymbolList(s string, validSymbols []string) ([]string, error) {
	line := make([]string, 0)
	for _, sym := range strings.Split(strings.TrimSpace(s), ",") {
		x := strings.TrimSpace(sym)
		if x == "" {
			continue
		}
		if !slices.Contains(validSymbols, x) {
			return nil, fmt.Errorf(`%s is not a valid node/group`, x)
		}
		line = append(line, x)
	}
	if len(line) == 0 {
		return nil, fmt.Errorf(`node/group list must not be empty`)
	}
	slices.Sort(line)
	return line, nil
}

// expandGroups resolves every group to its member nodes, in topological order of group references.
func expandGroups(defs map[string][]string, nodes []string) (map[string][]string, error) {
	pending := make(map[string][]string)
	expansion := make(map[string][]string)
	for grp, lst := range defs {
		deps := make([]string, 0)
		for _, sym := range lst {
			if slices.Contains(nodes, sym) {
				expansion[grp] = append(expansion[grp], sym)
			} else {
				deps = append(deps, sym)
			}
		}
		slices.Sort(deps)
		pending[grp] = slices.Compact(deps)
	}

	for len(pending) > 0 {
		var free string
		for grp, deps := range pending {
			if len(deps) == 0 {
				free = grp
				break
			}
		}
		if free == "" {
			cycle := make([]string, 0, len(pending))
			for grp := range pending {
				cycle = append(cycle, grp)
			}
			slices.Sort(cycle)
			return nil, fmt.Errorf("cycle detected in graph: %v", cycle)
		}
		delete(pending, free)
		for grp, deps := range pending {
			if !slices.Contains(deps, free) {
				continue
			}
			expansion[grp] = append(expansion[grp], expansion[free]...)
			slices.Sort(expansion[grp])
			expansion[grp] = slices.Compact(expansion[grp])
			pending[grp] = slices.DeleteFunc(deps, func(d string) bool {
				return d == free
			})
		}
	}
	return expansion, nil
}
