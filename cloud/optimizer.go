package cloud

import (
	"fmt"
	"strings"
)

// OptimizeParams is the full argument list of one bundle adjustment. Every
// camera parameter is named explicitly so the engine never falls back to its
// own defaults.
type OptimizeParams struct {
	FitF               bool `json:"fit_f"`
	FitCx              bool `json:"fit_cx"`
	FitCy              bool `json:"fit_cy"`
	FitB1              bool `json:"fit_b1"`
	FitB2              bool `json:"fit_b2"`
	FitK1              bool `json:"fit_k1"`
	FitK2              bool `json:"fit_k2"`
	FitK3              bool `json:"fit_k3"`
	FitK4              bool `json:"fit_k4"`
	FitP1              bool `json:"fit_p1"`
	FitP2              bool `json:"fit_p2"`
	FitCorrections     bool `json:"fit_corrections"`
	AdaptiveFitting    bool `json:"adaptive_fitting"`
	TiePointCovariance bool `json:"tiepoint_covariance"`
}

// NamedParam is one optimizer argument and its value.
type NamedParam struct {
	Name  string
	Value bool
}

// Ordered lists the arguments in the order the optimizer receives them.
func (p OptimizeParams) Ordered() []NamedParam {
	return []NamedParam{
		{"fit_f", p.FitF},
		{"fit_cx", p.FitCx},
		{"fit_cy", p.FitCy},
		{"fit_b1", p.FitB1},
		{"fit_b2", p.FitB2},
		{"fit_k1", p.FitK1},
		{"fit_k2", p.FitK2},
		{"fit_k3", p.FitK3},
		{"fit_k4", p.FitK4},
		{"fit_p1", p.FitP1},
		{"fit_p2", p.FitP2},
		{"fit_corrections", p.FitCorrections},
		{"adaptive_fitting", p.AdaptiveFitting},
		{"tiepoint_covariance", p.TiePointCovariance},
	}
}

func (p OptimizeParams) String() string {
	parts := make([]string, 0, 14)
	for _, np := range p.Ordered() {
		parts = append(parts, fmt.Sprintf("%s=%t", np.Name, np.Value))
	}
	return strings.Join(parts, " ")
}

// ParamsFromFlags expands a flag set into optimizer arguments. The single
// cx/cy toggle drives both principal point arguments.
func ParamsFromFlags(s FitFlagSet) OptimizeParams {
	return OptimizeParams{
		FitF:               s.Has(FitF),
		FitCx:              s.Has(FitCxCy),
		FitCy:              s.Has(FitCxCy),
		FitB1:              s.Has(FitB1),
		FitB2:              s.Has(FitB2),
		FitK1:              s.Has(FitK1),
		FitK2:              s.Has(FitK2),
		FitK3:              s.Has(FitK3),
		FitK4:              s.Has(FitK4),
		FitP1:              s.Has(FitP1),
		FitP2:              s.Has(FitP2),
		FitCorrections:     s.Has(FitCorrections),
		AdaptiveFitting:    s.Has(AdaptiveFitting),
		TiePointCovariance: s.Has(EstimateCovariance),
	}
}

// Optimizer re-solves camera parameters after each removal.
type Optimizer struct {
	recon Reconstruction
}

// NewOptimizer wraps a reconstruction.
func NewOptimizer(r Reconstruction) *Optimizer {
	return &Optimizer{recon: r}
}

// Optimize runs one synchronous bundle adjustment with exactly the flags
// given.
func (o *Optimizer) Optimize(flags FitFlagSet) error {
	params := ParamsFromFlags(flags)
	Logf("[OPTIMIZE] %s", params)
	if err := o.recon.OptimizeCameras(params); err != nil {
		return fmt.Errorf("optimizing cameras: %w", err)
	}
	return nil
}
