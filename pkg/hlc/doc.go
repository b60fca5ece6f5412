/*
Package hlc implements the hybrid logical clock the consistency engine
judges staleness against.

The watermark advances with observed timestamps (event indexes, file
mtimes) instead of the local host clock, so hot/cold decisions agree across
Agents with skewed clocks; a trust window rejects far-future observations so
no single peer can steer the view's notion of now.
*/
package hlc
