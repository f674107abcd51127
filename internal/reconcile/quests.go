package reconcile

import (
	"context"
	"log/slog"

	"github.com/ykarelin/storyloom/internal/domain"
)

// applyQuestUpdates moves quests through created, progress, completed
// and expired transitions. A quest id lives in at most one of the
// active and completed sets; completion is idempotent, so a quest the
// model reports finished twice rewards the character once.
func (r *Reconciler) applyQuestUpdates(ctx context.Context, sess *domain.Session, updates *domain.QuestUpdates) (bool, error) {
	if sess.ActiveQuests == nil {
		sess.ActiveQuests = make(map[string]domain.Quest)
	}
	completed := completedSet(sess)
	changed := false

	for _, quest := range updates.Created {
		if quest.ID == "" {
			slog.Warn("skipping quest without id", "session_id", sess.ID, "title", quest.Title)
			continue
		}
		if completed[quest.ID] {
			slog.Warn("ignoring re-creation of completed quest",
				"session_id", sess.ID,
				"quest_id", quest.ID)
			continue
		}
		sess.ActiveQuests[quest.ID] = quest
		changed = true
	}

	for _, quest := range updates.Progress {
		if quest.ID == "" || completed[quest.ID] {
			continue
		}
		existing, ok := sess.ActiveQuests[quest.ID]
		if !ok {
			// Progress for an unknown quest creates it; the model
			// sometimes skips the created transition.
			sess.ActiveQuests[quest.ID] = quest
			changed = true
			continue
		}
		existing.Progress = quest.Progress
		if quest.Title != "" {
			existing.Title = quest.Title
		}
		if quest.Description != "" {
			existing.Description = quest.Description
		}
		if quest.Reward != nil {
			existing.Reward = quest.Reward
		}
		sess.ActiveQuests[quest.ID] = existing
		changed = true
	}

	for _, quest := range updates.Completed {
		if quest.ID == "" {
			continue
		}
		if completed[quest.ID] {
			delete(sess.ActiveQuests, quest.ID)
			continue
		}

		finished := quest
		if active, ok := sess.ActiveQuests[quest.ID]; ok {
			if finished.Title == "" {
				finished.Title = active.Title
			}
			if finished.Description == "" {
				finished.Description = active.Description
			}
			if finished.Reward == nil {
				finished.Reward = active.Reward
			}
		}
		delete(sess.ActiveQuests, quest.ID)
		sess.CompletedQuests = append(sess.CompletedQuests, finished)
		completed[quest.ID] = true

		if finished.Reward != nil {
			gained := r.applyReward(&sess.Character, finished.Reward)
			slog.Info("quest reward applied",
				"session_id", sess.ID,
				"quest_id", finished.ID,
				"gold", finished.Reward.Gold,
				"experience", finished.Reward.Experience,
				"items", gained.Items,
				"levels", gained.Levels)
		}
		changed = true
	}

	for _, quest := range updates.Expired {
		if quest.ID == "" {
			continue
		}
		if _, ok := sess.ActiveQuests[quest.ID]; ok {
			delete(sess.ActiveQuests, quest.ID)
			changed = true
		}
	}

	if !changed {
		return false, nil
	}
	if _, err := r.events.Append(ctx, sess.ID, domain.EventQuestUpdate, updates, sess.ArcName, sess.Rounds); err != nil {
		return false, err
	}
	return true, nil
}

func completedSet(sess *domain.Session) map[string]bool {
	set := make(map[string]bool, len(sess.CompletedQuests))
	for _, quest := range sess.CompletedQuests {
		set[quest.ID] = true
	}
	return set
}
