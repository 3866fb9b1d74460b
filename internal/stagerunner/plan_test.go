package stagerunner

import "testing"

func TestSplitPlan_ResolvesDependsOnTitlesToTaskIDs(t *testing.T) {
	items := []planTaskItem{
		{Title: "write handler", Description: "d1"},
		{Title: "write tests", Description: "d2", DependsOn: []string{"write handler"}},
	}
	tasks := splitPlan("pipe-1", "stage-1", items)
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if len(tasks[1].DependsOn) != 1 || tasks[1].DependsOn[0] != tasks[0].ID {
		t.Fatalf("expected task 1 to depend on task 0's generated id, got %+v", tasks[1].DependsOn)
	}
	for _, task := range tasks {
		if task.PipelineID != "pipe-1" || task.StageID != "stage-1" {
			t.Fatalf("expected pipeline/stage ids propagated: %+v", task)
		}
	}
}

func TestSplitPlan_DropsUnresolvedDependencyTitleSilently(t *testing.T) {
	items := []planTaskItem{
		{Title: "write handler", Description: "d1", DependsOn: []string{"a task that does not exist"}},
	}
	tasks := splitPlan("pipe-1", "stage-1", items)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if len(tasks[0].DependsOn) != 0 {
		t.Fatalf("expected unresolved dependency title to be dropped, got %+v", tasks[0].DependsOn)
	}
}

func TestSplitPlan_SelfReferencingDependencyIsDropped(t *testing.T) {
	items := []planTaskItem{
		{Title: "same title", Description: "d1"},
		{Title: "same title", Description: "d2", DependsOn: []string{"same title"}},
	}
	tasks := splitPlan("pipe-1", "stage-1", items)
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	// Duplicate titles resolve to the first-seen id; the second item would
	// depend on itself once collapsed through the title map, so it must be
	// excluded rather than produce a self-cycle.
	if len(tasks[1].DependsOn) != 0 {
		t.Fatalf("expected self-referencing dependency to be dropped, got %+v", tasks[1].DependsOn)
	}
}

func TestSplitPlan_PreservesFieldsFromTaskBreakdown(t *testing.T) {
	items := []planTaskItem{
		{
			Title: "implement cache", Description: "add an LRU cache", AgentRole: "executor",
			Domain: "backend", CanParallelize: true, Complexity: "high",
		},
	}
	tasks := splitPlan("pipe-1", "stage-1", items)
	task := tasks[0]
	if task.Title != "implement cache" || task.Prompt != "add an LRU cache" || task.AgentRole != "executor" ||
		task.Domain != "backend" || !task.CanParallelize || task.Complexity != "high" {
		t.Fatalf("unexpected task projection: %+v", task)
	}
}
