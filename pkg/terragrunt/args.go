package terragrunt

const nonInteractive = "--terragrunt-non-interactive"

// base returns the leading arguments of verb for the request's run type.
func base(r Request, verb Verb) []string {
	if r.IsRunAll() {
		return []string{"run-all", string(verb), nonInteractive}
	}
	return []string{string(verb)}
}

func targetsAndVarFiles(r Request) []string {
	var args []string
	for _, t := range r.Targets {
		args = append(args, "-target="+t)
	}
	for _, f := range r.VarFiles {
		args = append(args, "-var-file="+f)
	}
	return args
}

func initArgs(r Request) []string {
	args := append(base(r, VerbInit), "-input=false")
	if r.BackendConfigFile != "" {
		args = append(args, "-backend-config="+r.BackendConfigFile)
	}
	return append(args, r.ExtraFlags[VerbInit]...)
}

func workspaceArgs(sub string, name string) []string {
	args := []string{string(VerbWorkspace), sub}
	if name != "" {
		args = append(args, name)
	}
	return args
}

func planArgs(r Request) []string {
	args := append(base(r, VerbPlan), "-input=false")
	if r.Destroy {
		args = append(args, "-destroy")
	}
	if r.PlanName != "" {
		args = append(args, "-out="+r.PlanName)
	}
	args = append(args, targetsAndVarFiles(r)...)
	return append(args, r.ExtraFlags[VerbPlan]...)
}

func applyArgs(r Request) []string {
	args := append(base(r, VerbApply), "-input=false")
	args = append(args, r.ExtraFlags[VerbApply]...)
	if r.PlanName != "" {
		// A saved plan already carries targets and variables.
		return append(args, r.PlanName)
	}
	args = append(args, "-auto-approve")
	return append(args, targetsAndVarFiles(r)...)
}

func destroyArgs(r Request) []string {
	args := append(base(r, VerbDestroy), "-input=false", "-auto-approve")
	args = append(args, targetsAndVarFiles(r)...)
	return append(args, r.ExtraFlags[VerbDestroy]...)
}

func outputArgs(r Request) []string {
	args := append(base(r, VerbOutput), "-json")
	return append(args, r.ExtraFlags[VerbOutput]...)
}

func showArgs(r Request) []string {
	args := []string{string(VerbShow)}
	if r.JSON {
		args = append(args, "-json")
	} else {
		args = append(args, "-no-color")
	}
	args = append(args, r.ExtraFlags[VerbShow]...)
	return append(args, r.PlanName)
}
