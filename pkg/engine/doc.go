// Package engine runs one terragrunt task from its parameters to its
// response.
//
// # Overview
//
// A task is a plan, apply or destroy of either a single module (MODULE) or a
// module tree (RUN_ALL). The Executor runs it as a fixed sequence of
// progress units:
//
//	Fetch Files -> [Init] -> [Workspace] -> [Plan] -> Apply|Destroy -> Output -> [Artifacts] -> Cleanup
//
// Bracketed units are conditional:
//
//   - Init runs for RUN_ALL tasks and for modules that fetched a backend file.
//   - Workspace runs when the task names a workspace.
//   - Plan either computes a plan or decrypts an approved one. A task never
//     does both.
//   - Artifacts encrypts plans and uploads state and plan exports. Only
//     MODULE tasks have a single state file to upload.
//
// # Execution context
//
// The ContextBuilder gives every (account, entity) pair its own directory
// tree under the worker's base directory:
//
//	<base>/terragrunt-working-dir/<accountId>/<entityId>/
//	    script-repository/   config files
//	    tf-var-files/        one directory per var file store
//	    tf-backend-config/   backend file
//	    .ssh/                module source key
//	    outputs/             output and show results
//
// Lock files and caches a previous run left in the script directory are
// removed before any verb runs.
//
// # Failures
//
// Every error a task returns is a *task.Failure whose cause has secret
// values masked and whose progress lists every unit. Still-open units are
// marked failed with that cause. Cancellation is the exception: the
// context's error is returned unwrapped. Cleanup always runs. It removes
// the base directory and deletes plan secrets; failing to delete a secret
// is logged, never returned.
package engine
