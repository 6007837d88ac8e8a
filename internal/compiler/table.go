package compiler

import (
	"github.com/roach88/scenepipe/internal/ir"
)

// publishAndUpload publishes a product and replicates it.
func publishAndUpload() Expr {
	return Seq(Task(ir.ActivityPublish), Task(ir.ActivityUpload))
}

// harmonizationChain derives the harmonized product into its own
// collection, then publishes and replicates it.
func harmonizationChain() Expr {
	return Seq(
		Task(ir.ActivityHarmonization, InCollectionFrom(ir.ArgHarmonizeTarget)),
		Task(ir.ActivityPublish),
		Task(ir.ActivityUpload),
	)
}

// afterCorrection is what follows a surface reflectance product.
func afterCorrection() Expr {
	return Par(
		publishAndUpload(),
		Opt(ir.ArgHarmonize, harmonizationChain()),
	)
}

// tableExprs is the fixed branching table, one entry per root activity type.
var tableExprs = map[ir.ActivityType]func() Expr{
	ir.ActivityDownload: func() Expr {
		return Seq(
			Task(ir.ActivityDownload),
			Par(
				OptUnless(ir.ArgSkipFirstPublish, Task(ir.ActivityPublish)),
				Seq(
					Task(ir.ActivityCorrection, InCollectionFrom(ir.ArgCorrectionTarget)),
					afterCorrection(),
				),
			),
		)
	},
	ir.ActivityCorrection: func() Expr {
		return Seq(Task(ir.ActivityCorrection), afterCorrection())
	},
	ir.ActivityPublish:       publishAndUpload,
	ir.ActivityHarmonization: func() Expr { return Seq(Task(ir.ActivityHarmonization), Task(ir.ActivityPublish), Task(ir.ActivityUpload)) },
	ir.ActivityUpload:        func() Expr { return Task(ir.ActivityUpload) },
	ir.ActivityPost:          func() Expr { return Task(ir.ActivityPost) },
}

var tablePlans = buildTable()

func buildTable() map[ir.ActivityType]*Plan {
	plans := make(map[ir.ActivityType]*Plan, len(tableExprs))
	for t, expr := range tableExprs {
		plans[t] = Build(ir.TableRoute(t), expr())
	}
	return plans
}

// Table returns the fixed plan rooted at activity type t. The plan is
// shared and must not be modified.
func Table(t ir.ActivityType) (*Plan, error) {
	p, ok := tablePlans[t]
	if !ok {
		return nil, ir.Misconfigured("no pipeline defined for activity type %q", t)
	}
	return p, nil
}
