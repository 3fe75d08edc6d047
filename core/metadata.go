package core

import (
	"sort"
	"strconv"
	"strings"

	"github.com/PHIN-materials/pair-PHIN/internal/inference"
)

// Metadata keys written by the model deployment tooling.
const (
	MetaConfig         = "config"
	MetaCutoff         = "r_max"
	MetaNumSpecies     = "n_species"
	MetaTypeNames      = "type_names"
	MetaBailoutDepth   = "_jit_bailout_depth"
	MetaFusionStrategy = "_jit_fusion_strategy"
	MetaAllowTF32      = "allow_tf32"
)

// DefaultVersionKeys are the version markers accepted when none are
// configured.
var DefaultVersionKeys = []string{"phin_version", "nequip_version"}

const defaultBailoutDepth = 2

// ModelInfo is the parsed model metadata.
type ModelInfo struct {
	VersionKey string
	Version    string
	Cutoff     float64
	Species    []string
	Config     string
	Tuning     inference.Tuning
}

// ParseMetadata validates the metadata of a loaded model. versionKeys lists the
// accepted version markers; the first one present wins.
func ParseMetadata(meta map[string]string, versionKeys []string) (ModelInfo, error) {
	if len(versionKeys) == 0 {
		versionKeys = DefaultVersionKeys
	}

	var info ModelInfo
	for _, k := range versionKeys {
		if v := strings.TrimSpace(meta[k]); v != "" {
			info.VersionKey, info.Version = k, v
			break
		}
	}
	if info.Version == "" {
		return ModelInfo{}, configErrorf("model metadata has none of %v; the file does not appear to be a deployed model", versionKeys)
	}

	rawCutoff := strings.TrimSpace(meta[MetaCutoff])
	if rawCutoff == "" {
		return ModelInfo{}, configErrorf("model metadata missing %q", MetaCutoff)
	}
	cutoff, err := strconv.ParseFloat(rawCutoff, 64)
	if err != nil || cutoff <= 0 {
		return ModelInfo{}, configErrorf("model metadata %q=%q is not a positive number", MetaCutoff, rawCutoff)
	}
	info.Cutoff = cutoff

	rawN := strings.TrimSpace(meta[MetaNumSpecies])
	if rawN == "" {
		return ModelInfo{}, configErrorf("model metadata missing %q", MetaNumSpecies)
	}
	// Deploy tooling has written this both as "3" and "3.0".
	nf, err := strconv.ParseFloat(rawN, 64)
	if err != nil || nf < 1 || nf != float64(int(nf)) {
		return ModelInfo{}, configErrorf("model metadata %q=%q is not a positive integer", MetaNumSpecies, rawN)
	}
	n := int(nf)

	names := strings.Fields(meta[MetaTypeNames])
	if len(names) < n {
		return ModelInfo{}, configErrorf("model metadata %q lists %d names, %q declares %d", MetaTypeNames, len(names), MetaNumSpecies, n)
	}
	info.Species = names[:n]
	info.Config = meta[MetaConfig]

	tuning, err := parseTuning(meta)
	if err != nil {
		return ModelInfo{}, err
	}
	info.Tuning = tuning
	return info, nil
}

func parseTuning(meta map[string]string) (inference.Tuning, error) {
	t := inference.Tuning{JITBailoutDepth: defaultBailoutDepth}

	if raw := strings.TrimSpace(meta[MetaAllowTF32]); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return t, configErrorf("model metadata %q=%q is not 0 or 1", MetaAllowTF32, raw)
		}
		t.AllowTF32 = v != 0
	}

	if raw := strings.TrimSpace(meta[MetaBailoutDepth]); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return t, configErrorf("model metadata %q=%q is not a non-negative integer", MetaBailoutDepth, raw)
		}
		t.JITBailoutDepth = v
	}

	strategy, err := ParseFusionStrategy(meta[MetaFusionStrategy])
	if err != nil {
		return t, err
	}
	t.FusionStrategy = strategy
	return t, nil
}

// ParseFusionStrategy parses "TYPE,DEPTH;TYPE,DEPTH" where TYPE is STATIC or
// DYNAMIC. Empty input yields the default of one dynamic stage of depth 3.
func ParseFusionStrategy(raw string) ([]inference.FusionStage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []inference.FusionStage{{Static: false, Depth: 3}}, nil
	}
	var out []inference.FusionStage
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kind, depth, ok := strings.Cut(part, ",")
		if !ok {
			return nil, configErrorf("fusion strategy entry %q is not TYPE,DEPTH", part)
		}
		d, err := strconv.Atoi(strings.TrimSpace(depth))
		if err != nil || d < 0 {
			return nil, configErrorf("fusion strategy depth %q is not a non-negative integer", depth)
		}
		// Anything other than STATIC is treated as dynamic.
		out = append(out, inference.FusionStage{Static: strings.TrimSpace(kind) == "STATIC", Depth: d})
	}
	return out, nil
}

// sortedKeys returns metadata keys in a stable order for logging.
func sortedKeys(meta map[string]string) []string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
