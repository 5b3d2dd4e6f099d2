package procedural

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-mind/internal/apperr"
	"github.com/nidhogg/nuka-mind/internal/memory"
)

type candidate struct {
	skill *Skill
	score float64
}

// EvolveSkillFromExperience folds exp into the best-matching skill, ranked
// by context overlap and then success rate. With no match a successful
// experience becomes a new skill; a failed one is dropped.
func (s *Store) EvolveSkillFromExperience(ctx context.Context, personaID string, exp Experience) (*EvolveResult, error) {
	if err := apperr.Required("persona_id", personaID); err != nil {
		return nil, err
	}
	if err := apperr.Required("domain", exp.Domain); err != nil {
		return nil, err
	}
	if exp.Timestamp.IsZero() {
		exp.Timestamp = s.now()
	}

	skills, err := s.ListForPersona(ctx, personaID, exp.Domain)
	if err != nil {
		return nil, err
	}
	var matches []candidate
	for _, sk := range skills {
		if score := memory.Jaccard(exp.Context, sk.ContextConditions); score >= s.cfg.MatchThreshold {
			matches = append(matches, candidate{skill: sk, score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].skill.SuccessRate > matches[j].skill.SuccessRate
	})

	if len(matches) > 0 {
		best := matches[0]
		sk, err := s.reinforce(ctx, best.skill.ID, exp)
		if err != nil {
			return nil, err
		}
		return &EvolveResult{Skill: sk, Similarity: best.score}, nil
	}
	if !exp.Success {
		return &EvolveResult{}, nil
	}

	pattern, err := appendExperience(nil, exp, s.cfg.ExperienceWindow)
	if err != nil {
		return nil, err
	}
	sk := &Skill{
		Name:              skillName(exp),
		Domain:            exp.Domain,
		Pattern:           pattern,
		SuccessRate:       s.cfg.NewSkillRate,
		ContextConditions: memory.MergeTags(nil, exp.Context...),
	}
	if _, err := s.StoreSkillPattern(ctx, personaID, sk); err != nil {
		return nil, err
	}
	s.logger.Info("Skill learned from experience",
		zap.String("persona", personaID),
		zap.String("skill", sk.Name))
	return &EvolveResult{Skill: sk, Created: true}, nil
}

func (s *Store) reinforce(ctx context.Context, id string, exp Experience) (*Skill, error) {
	var out *Skill
	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		sk, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		pattern, err := appendExperience(sk.Pattern, exp, s.cfg.ExperienceWindow)
		if err != nil {
			return err
		}
		sk.Pattern = pattern
		s.applyOutcome(sk, exp.Success)
		if err := s.writeUsage(ctx, sk); err != nil {
			return err
		}
		out = sk
		return nil
	})
	return out, err
}

func skillName(exp Experience) string {
	if name := strings.TrimSpace(exp.Name); name != "" {
		return name
	}
	ctxTags := exp.Context
	if len(ctxTags) > 3 {
		ctxTags = ctxTags[:3]
	}
	if len(ctxTags) == 0 {
		return exp.Domain + " routine"
	}
	return exp.Domain + ": " + strings.Join(ctxTags, " ")
}
