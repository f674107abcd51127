package reconcile

import (
	"strconv"
	"strings"

	"github.com/ykarelin/storyloom/internal/domain"
)

// xpPerLevel is the per-level experience cost multiplier: advancing
// from level N costs N*100 experience.
const xpPerLevel = 100

// Gained summarizes what a reward actually added to the character,
// with item quantities expressed as net stack increases.
type Gained struct {
	Gold   int
	Items  []string
	Levels int
}

// applyReward credits gold, merges item stacks and grants experience,
// cascading level-ups while the threshold keeps being met.
func (r *Reconciler) applyReward(c *domain.Character, reward *domain.Reward) Gained {
	gained := Gained{Gold: reward.Gold}
	c.Gold += reward.Gold

	if len(reward.Items) > 0 {
		c.Inventory, gained.Items = mergeItems(c.Inventory, reward.Items)
	}
	if reward.Experience > 0 {
		gained.Levels = r.grantExperience(c, reward.Experience)
	}
	return gained
}

// grantExperience adds experience and resolves level-ups. Each level
// gained distributes two attribute points at random and restores
// health and mana to their maximums.
func (r *Reconciler) grantExperience(c *domain.Character, xp int) int {
	c.Experience += xp
	levels := 0
	for c.Experience >= c.Level*xpPerLevel {
		c.Experience -= c.Level * xpPerLevel
		c.Level++
		levels++
		for i := 0; i < 2; i++ {
			attr := domain.AttributeNames[r.intn(len(domain.AttributeNames))]
			c.Attributes[attr]++
		}
		c.Health = c.MaxHealth
		c.Mana = c.MaxMana
	}
	return levels
}

// mergeItems folds reward items into the inventory's canonical
// "namexN" stacks and reports the net increase per item name. Existing
// stack order is preserved; new names append in reward order.
func mergeItems(inventory, items []string) (merged, gained []string) {
	var order []string
	counts := make(map[string]int, len(inventory))
	for _, entry := range inventory {
		name, count := parseStack(entry)
		if _, seen := counts[name]; !seen {
			order = append(order, name)
		}
		counts[name] += count
	}

	added := make(map[string]int, len(items))
	var addedOrder []string
	for _, entry := range items {
		name, count := parseStack(entry)
		if _, seen := counts[name]; !seen {
			order = append(order, name)
		}
		if _, seen := added[name]; !seen {
			addedOrder = append(addedOrder, name)
		}
		counts[name] += count
		added[name] += count
	}

	merged = make([]string, 0, len(order))
	for _, name := range order {
		merged = append(merged, formatStack(name, counts[name]))
	}
	gained = make([]string, 0, len(addedOrder))
	for _, name := range addedOrder {
		gained = append(gained, formatStack(name, added[name]))
	}
	return merged, gained
}

// parseStack splits a canonical "namexN" entry. An entry without a
// numeric suffix counts as a single item.
func parseStack(entry string) (string, int) {
	idx := strings.LastIndex(entry, "x")
	if idx <= 0 || idx == len(entry)-1 {
		return entry, 1
	}
	count, err := strconv.Atoi(entry[idx+1:])
	if err != nil || count < 1 {
		return entry, 1
	}
	return entry[:idx], count
}

func formatStack(name string, count int) string {
	return name + "x" + strconv.Itoa(count)
}
