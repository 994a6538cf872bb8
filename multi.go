package rowmap

import "context"

// Processor2 executes a Command returning two result sets, mapped into R1
// and R2 in order. Mapping options address the sets by index, see
// WithResultSetMapping.
type Processor2[F, R1, R2 any] struct {
	*core[F]
	first  *resultSet[R1]
	second *resultSet[R2]
}

type rowSets2[R1, R2 any] struct {
	first  *rowSet[R1]
	second *rowSet[R2]
}

// NewProcessor2 builds a processor for a command with two result sets.
func NewProcessor2[F, R1, R2 any](cmd *Command[F], opts ...ProcessorOption) (*Processor2[F, R1, R2], error) {
	c, err := newCore(cmd, opts, 2)
	if err != nil {
		return nil, err
	}
	s1, err := mapResult[R1](c.cfg.mappings[0])
	if err != nil {
		return nil, err
	}
	s2, err := mapResult[R2](c.cfg.mappings[1])
	if err != nil {
		return nil, err
	}
	c.seal(s1, s2)
	return &Processor2[F, R1, R2]{
		core:   c,
		first:  newResultSet[R1](c, 0, s1),
		second: newResultSet[R2](c, 1, s2),
	}, nil
}

// Execute runs the command and materializes both result sets. A result set
// the command does not return comes back empty.
func (p *Processor2[F, R1, R2]) Execute(ctx context.Context, exec Executor, filter F, explicit ...Param) ([]R1, []R2, error) {
	var (
		a []R1
		b []R2
	)
	cached, err := p.run(ctx, exec, filter, explicit, func(ctx context.Context, rows Rows, capture bool) (any, error) {
		var (
			snap rowSets2[R1, R2]
			err  error
		)
		if a, snap.first, err = p.first.read(ctx, rows, capture); err != nil {
			return nil, err
		}
		if b, snap.second, err = p.second.readNext(ctx, rows, capture); err != nil {
			return nil, err
		}
		return &snap, nil
	})
	if err != nil {
		return nil, nil, err
	}
	if cached != nil {
		snap := cached.(*rowSets2[R1, R2])
		if a, err = snap.first.replay(); err != nil {
			return nil, nil, err
		}
		if b, err = snap.second.replay(); err != nil {
			return nil, nil, err
		}
	}
	return a, b, nil
}

// Processor3 executes a Command returning three result sets, mapped into
// R1, R2 and R3 in order.
type Processor3[F, R1, R2, R3 any] struct {
	*core[F]
	first  *resultSet[R1]
	second *resultSet[R2]
	third  *resultSet[R3]
}

type rowSets3[R1, R2, R3 any] struct {
	first  *rowSet[R1]
	second *rowSet[R2]
	third  *rowSet[R3]
}

// NewProcessor3 builds a processor for a command with three result sets.
func NewProcessor3[F, R1, R2, R3 any](cmd *Command[F], opts ...ProcessorOption) (*Processor3[F, R1, R2, R3], error) {
	c, err := newCore(cmd, opts, 3)
	if err != nil {
		return nil, err
	}
	s1, err := mapResult[R1](c.cfg.mappings[0])
	if err != nil {
		return nil, err
	}
	s2, err := mapResult[R2](c.cfg.mappings[1])
	if err != nil {
		return nil, err
	}
	s3, err := mapResult[R3](c.cfg.mappings[2])
	if err != nil {
		return nil, err
	}
	c.seal(s1, s2, s3)
	return &Processor3[F, R1, R2, R3]{
		core:   c,
		first:  newResultSet[R1](c, 0, s1),
		second: newResultSet[R2](c, 1, s2),
		third:  newResultSet[R3](c, 2, s3),
	}, nil
}

// Execute runs the command and materializes the three result sets.
func (p *Processor3[F, R1, R2, R3]) Execute(ctx context.Context, exec Executor, filter F, explicit ...Param) ([]R1, []R2, []R3, error) {
	var (
		a []R1
		b []R2
		c []R3
	)
	cached, err := p.run(ctx, exec, filter, explicit, func(ctx context.Context, rows Rows, capture bool) (any, error) {
		var (
			snap rowSets3[R1, R2, R3]
			err  error
		)
		if a, snap.first, err = p.first.read(ctx, rows, capture); err != nil {
			return nil, err
		}
		if b, snap.second, err = p.second.readNext(ctx, rows, capture); err != nil {
			return nil, err
		}
		if c, snap.third, err = p.third.readNext(ctx, rows, capture); err != nil {
			return nil, err
		}
		return &snap, nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	if cached != nil {
		snap := cached.(*rowSets3[R1, R2, R3])
		if a, err = snap.first.replay(); err != nil {
			return nil, nil, nil, err
		}
		if b, err = snap.second.replay(); err != nil {
			return nil, nil, nil, err
		}
		if c, err = snap.third.replay(); err != nil {
			return nil, nil, nil, err
		}
	}
	return a, b, c, nil
}
